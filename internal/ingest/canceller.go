package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// RemoteCanceller asks other worker processes to stop a running task.
type RemoteCanceller interface {
	CancelProcessing(ctx context.Context, sourceID uuid.UUID) error
}

// Canceller tracks the cancel funcs of sources processing in this process
// and forwards cancellation to remote workers when configured.
type Canceller struct {
	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	remote  RemoteCanceller
}

func NewCanceller(remote RemoteCanceller) *Canceller {
	return &Canceller{running: make(map[uuid.UUID]context.CancelFunc), remote: remote}
}

func (c *Canceller) register(id uuid.UUID, cancel context.CancelFunc) (unregister func()) {
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
	}
}

// Cancel stops processing of id wherever it runs. It is a no-op for ids
// that are not processing.
func (c *Canceller) Cancel(ctx context.Context, id uuid.UUID) {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
		slog.Info("processing cancelled", "source_id", id)
	}

	if c.remote != nil {
		if err := c.remote.CancelProcessing(ctx, id); err != nil {
			slog.Warn("remote cancel failed", "source_id", id, "error", err)
		}
	}
}
