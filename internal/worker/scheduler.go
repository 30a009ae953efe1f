package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"voicerooms/internal/tasks"
)

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ReapScheduler schedules empty-room reaping as delayed asynq tasks, so a
// restart of the server does not forget pending reaps.
type ReapScheduler struct {
	client Enqueuer
	queue  string
	logger *zap.Logger
}

func NewReapScheduler(client Enqueuer, logger *zap.Logger) *ReapScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReapScheduler{client: client, queue: tasks.QueueDefault, logger: logger.With(zap.String("component", "reap_scheduler"))}
}

// ScheduleReap enqueues a reap of roomID after the given delay. A reap that is
// already pending for the room is kept.
func (s *ReapScheduler) ScheduleReap(ctx context.Context, roomID string, after time.Duration) error {
	task, err := tasks.NewRoomReapTask(roomID)
	if err != nil {
		return err
	}
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(after),
		asynq.TaskID(tasks.ReapTaskID(roomID)),
		asynq.Queue(s.queue),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.logger.Debug("reap already pending", zap.String("room", roomID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue reap for %s: %w", roomID, err)
	}
	s.logger.Debug("reap scheduled", zap.String("room", roomID), zap.String("task_id", info.ID), zap.Duration("after", after))
	return nil
}
