package queue

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type ServerSettings struct {
	Concurrency     int
	BackoffBase     time.Duration
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// Server dispatches call processing tasks to a Worker, always draining more
// urgent queues first.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(redisOpt asynq.RedisConnOpt, settings ServerSettings, worker *Worker) *Server {
	logger := logging.Or(settings.Logger)

	queues := make(map[string]int, len(orderedPriorities))
	for idx, priority := range orderedPriorities {
		queues[priority.QueueName()] = len(orderedPriorities) - idx
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     settings.Concurrency,
		Queues:          queues,
		StrictPriority:  true,
		RetryDelayFunc:  RetryDelay(settings.BackoffBase),
		ShutdownTimeout: settings.ShutdownTimeout,
		Logger:          logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Debug("[ErrorHandler] task returned error",
				zap.String("type", task.Type()),
				zap.String("error", err.Error()),
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TaskType, worker)

	return &Server{
		server: server,
		mux:    mux,
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("[Start] starting call processing server")
	return s.server.Start(s.mux)
}

// Shutdown stops dispatching new jobs and waits for in-flight ones up to the
// configured shutdown timeout, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("[Shutdown] stopping call processing server")
	s.server.Stop()

	done := make(chan struct{})

	go func() {
		s.server.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("[Shutdown] call processing server stopped")
	case <-ctx.Done():
		s.logger.Warn("[Shutdown] gave up waiting for in-flight jobs", zap.Error(ctx.Err()))
	}
}
