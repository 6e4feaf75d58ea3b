// Package business carries the authenticated caller's identity through a
// request context.
package business

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	businessKey contextKey = "business"
	agentKey    contextKey = "agent"
)

func WithBusiness(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, businessKey, id)
}

// IDFromContext returns the caller's business id, or uuid.Nil when the
// request is unauthenticated.
func IDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(businessKey).(uuid.UUID)
	return id
}

func WithAgent(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, agentKey, id)
}

// AgentFromContext returns the calling agent id. ok is false for business
// credentials.
func AgentFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(agentKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
