package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/dataintegration/internal/queue"
)

type SourceProcessor interface {
	Process(ctx context.Context, sourceID, businessID uuid.UUID) error
}

type SourceWorker struct {
	proc SourceProcessor
}

func NewSourceWorker(proc SourceProcessor) *SourceWorker {
	return &SourceWorker{proc: proc}
}

func (w *SourceWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.SourceProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	sourceID, err := uuid.Parse(payload.SourceID)
	if err != nil {
		return fmt.Errorf("parse source ID: %v: %w", err, asynq.SkipRetry)
	}
	businessID, err := uuid.Parse(payload.BusinessID)
	if err != nil {
		return fmt.Errorf("parse business ID: %v: %w", err, asynq.SkipRetry)
	}

	slog.Info("processing data source", "source_id", sourceID, "business_id", businessID)
	return w.proc.Process(ctx, sourceID, businessID)
}

type StaleReaper interface {
	ReapStale(ctx context.Context, timeout time.Duration) (int, error)
}

// ReaperWorker fails sources that have been processing longer than the
// processing timeout.
type ReaperWorker struct {
	sources StaleReaper
	timeout time.Duration
}

func NewReaperWorker(sources StaleReaper, timeout time.Duration) *ReaperWorker {
	return &ReaperWorker{sources: sources, timeout: timeout}
}

func (w *ReaperWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	n, err := w.sources.ReapStale(ctx, w.timeout)
	if err != nil {
		return fmt.Errorf("reap stale sources: %w", err)
	}
	if n > 0 {
		slog.Warn("reaped stale data sources", "count", n, "timeout", w.timeout.String())
	}
	return nil
}
