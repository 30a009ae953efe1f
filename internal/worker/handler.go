package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"voicerooms/internal/tasks"
)

// Reaper deletes a room if it is still empty.
type Reaper interface {
	ReapIfEmpty(ctx context.Context, roomID string) (bool, error)
}

// ReapHandler processes TypeRoomReap tasks.
type ReapHandler struct {
	rooms  Reaper
	logger *zap.Logger
}

func NewReapHandler(rooms Reaper, logger *zap.Logger) *ReapHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReapHandler{rooms: rooms, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *ReapHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	retry, _ := asynq.GetRetryCount(ctx)
	logger := h.logger.With(zap.String("task_type", t.Type()), zap.Int("retry", retry))

	p, err := tasks.ParseRoomReap(t)
	if err != nil {
		logger.Error("bad reap task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	reaped, err := h.rooms.ReapIfEmpty(ctx, p.RoomID)
	if err != nil {
		logger.Warn("reap failed", zap.String("room", p.RoomID), zap.Error(err))
		return fmt.Errorf("reap room %s: %w", p.RoomID, err)
	}
	logger.Info("reap task processed", zap.String("room", p.RoomID), zap.Bool("reaped", reaped))
	return nil
}
