package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// HandlersRegistry maps task types to workers and logs every run.
type HandlersRegistry struct {
	mux *asynq.ServeMux
}

func NewHandlersRegistry() *HandlersRegistry {
	mux := asynq.NewServeMux()
	mux.Use(logTask)
	return &HandlersRegistry{mux: mux}
}

func (r *HandlersRegistry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
}

func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}

func logTask(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		id, _ := asynq.GetTaskID(ctx)
		retry, _ := asynq.GetRetryCount(ctx)
		err := next.ProcessTask(ctx, t)
		attrs := []any{"type", t.Type(), "task_id", id, "retry", retry, "duration_ms", time.Since(start).Milliseconds()}
		if err != nil {
			slog.Error("task failed", append(attrs, "error", err)...)
			return err
		}
		slog.Info("task done", attrs...)
		return nil
	})
}
