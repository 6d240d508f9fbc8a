package scheduler

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Server wraps the asynq worker pool.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewServer(redisOpt asynq.RedisClientOpt, concurrency int, worker *Worker) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      QueuePriorities,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			// 30s, 1m, 2m, 4m, capped at 10m.
			d := 30 * time.Second << uint(n)
			if d > 10*time.Minute {
				d = 10 * time.Minute
			}
			return d
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	worker.Register(mux)
	return &Server{srv: srv, mux: mux}
}

// Start runs the worker pool in the background.
func (s *Server) Start() error {
	return s.srv.Start(s.mux)
}

// Shutdown waits for in-flight tasks to finish.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}
