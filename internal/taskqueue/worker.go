package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Handler executes decoded tasks.
type Handler interface {
	HandleRule(ctx context.Context, p RulePayload) error
	HandleAutoDose(ctx context.Context, deviceID string) error
}

// NewMux routes task types to h.
func NewMux(h Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRuleExecute, func(ctx context.Context, t *asynq.Task) error {
		var p RulePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		log.WithField("rule", p.RuleID).Debug("processing rule task")
		return h.HandleRule(ctx, p)
	})
	mux.HandleFunc(TypeAutoDose, func(ctx context.Context, t *asynq.Task) error {
		var p AutoDosePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return h.HandleAutoDose(ctx, p.DeviceID)
	})
	return mux
}

// Worker runs the asynq server.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewWorker builds a worker for the Redis at redisAddr.
func NewWorker(redisAddr string, concurrency int, h Handler) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Logger:      log,
	})
	return &Worker{srv: srv, mux: NewMux(h)}
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	log.Info("starting workers")
	return w.srv.Start(w.mux)
}

// Stop waits for active tasks and shuts the server down.
func (w *Worker) Stop() {
	log.Info("stopping workers")
	w.srv.Shutdown()
}
