// Package events fans out data source status changes to interested
// listeners, across processes when backed by Redis.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSourceStatus  = "source.status"
	TypeSourceDeleted = "source.deleted"
)

type Event struct {
	Type       string    `json:"type"`
	BusinessID uuid.UUID `json:"business_id"`
	DatabaseID uuid.UUID `json:"database_id"`
	SourceID   uuid.UUID `json:"source_id"`
	Status     string    `json:"status,omitempty"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus is a Publisher whose events can be consumed per business.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, businessID uuid.UUID) (<-chan Event, error)
}

// MemoryBus delivers events to subscribers in the same process. Slow
// subscribers drop events rather than block publishers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.BusinessID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel closed when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, businessID uuid.UUID) (<-chan Event, error) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	if b.subs[businessID] == nil {
		b.subs[businessID] = make(map[chan Event]struct{})
	}
	b.subs[businessID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[businessID], ch)
		if len(b.subs[businessID]) == 0 {
			delete(b.subs, businessID)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
