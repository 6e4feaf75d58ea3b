package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events on a per-business Redis channel so API
// replicas see status changes made by workers.
type RedisBus struct {
	client *redis.Client
	prefix string
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, prefix: "events:"}
}

func (b *RedisBus) channel(businessID uuid.UUID) string {
	return b.prefix + businessID.String()
}

func (b *RedisBus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("marshal event failed", "type", e.Type, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel(e.BusinessID), data).Err(); err != nil {
		slog.Warn("publish event failed",
			"type", e.Type,
			"source_id", e.SourceID,
			"error", err,
		)
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, businessID uuid.UUID) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, b.channel(businessID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					slog.Warn("decode event failed", "error", err)
					continue
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}()
	return out, nil
}
