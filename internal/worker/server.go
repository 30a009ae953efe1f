// Package worker runs the asynq server that processes background room tasks.
package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"voicerooms/internal/tasks"
)

// Server wraps the asynq server and its mux.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewServer builds a worker that reaps rooms through r.
func NewServer(redisOpt asynq.RedisClientOpt, r Reaper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "worker_server"))

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{tasks.QueueDefault: 1},
		Logger:      logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retry, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("task failed",
				zap.String("task_type", task.Type()),
				zap.Int("retry", retry),
				zap.Int("max_retry", maxRetry),
				zap.Error(err))
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeRoomReap, NewReapHandler(r, logger))
	return &Server{server: server, mux: mux, logger: logger}
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() asynq.Handler { return s.mux }

// Start runs the worker in the background.
func (s *Server) Start() error {
	s.logger.Info("worker server starting")
	if err := s.server.Start(s.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown waits for in-flight tasks and stops the worker.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down worker server")
	s.server.Shutdown()
}
