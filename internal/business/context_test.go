package business

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBusinessContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, uuid.Nil, IDFromContext(ctx))

	id := uuid.New()
	ctx = WithBusiness(ctx, id)
	assert.Equal(t, id, IDFromContext(ctx))

	_, ok := AgentFromContext(ctx)
	assert.False(t, ok)

	agent := uuid.New()
	got, ok := AgentFromContext(WithAgent(ctx, agent))
	assert.True(t, ok)
	assert.Equal(t, agent, got)
}
