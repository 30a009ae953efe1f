package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voicerooms/internal/tasks"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "id", Type: task.Type()}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestScheduleReapEnqueuesDelayedDedupedTask(t *testing.T) {
	q := &fakeEnqueuer{}
	s := NewReapScheduler(q, zaptest.NewLogger(t))

	require.NoError(t, s.ScheduleReap(context.Background(), "r1", 5*time.Minute))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, tasks.TypeRoomReap, q.tasks[0].Type())

	p, err := tasks.ParseRoomReap(q.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, "r1", p.RoomID)

	in, ok := optionValue(q.opts[0], asynq.ProcessInOpt)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, in)
	id, ok := optionValue(q.opts[0], asynq.TaskIDOpt)
	require.True(t, ok)
	assert.Equal(t, "reap:r1", id)
}

func TestScheduleReapToleratesPendingTask(t *testing.T) {
	s := NewReapScheduler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, nil)
	assert.NoError(t, s.ScheduleReap(context.Background(), "r1", time.Second))

	s = NewReapScheduler(&fakeEnqueuer{err: errors.New("redis down")}, nil)
	assert.Error(t, s.ScheduleReap(context.Background(), "r1", time.Second))
}

type mockRooms struct {
	mock.Mock
}

func (m *mockRooms) ReapIfEmpty(ctx context.Context, roomID string) (bool, error) {
	args := m.Called(ctx, roomID)
	return args.Bool(0), args.Error(1)
}

func TestReapHandler(t *testing.T) {
	rooms := new(mockRooms)
	h := NewReapHandler(rooms, zaptest.NewLogger(t))

	task, err := tasks.NewRoomReapTask("r9")
	require.NoError(t, err)
	rooms.On("ReapIfEmpty", mock.Anything, "r9").Return(true, nil).Once()
	require.NoError(t, h.ProcessTask(context.Background(), task))

	err = h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeRoomReap, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	rooms.On("ReapIfEmpty", mock.Anything, "r9").Return(false, errors.New("store unavailable")).Once()
	err = h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	rooms.AssertExpectations(t)
}

func TestServerRoutesReapTasks(t *testing.T) {
	rooms := new(mockRooms)
	rooms.On("ReapIfEmpty", mock.Anything, "r2").Return(false, nil).Once()
	srv := NewServer(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, rooms, zaptest.NewLogger(t))

	task, err := tasks.NewRoomReapTask("r2")
	require.NoError(t, err)
	require.NoError(t, srv.Handler().ProcessTask(context.Background(), task))
	rooms.AssertExpectations(t)
}
