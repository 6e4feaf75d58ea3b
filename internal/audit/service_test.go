package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithIP(t *testing.T) {
	ctx := WithIP(context.Background(), "203.0.113.7:51234")
	ip, ok := IPFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "203.0.113.7", ip.String())

	ctx = WithIP(context.Background(), "2001:db8::1")
	ip, ok = IPFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::1", ip.String())

	_, ok = IPFromContext(WithIP(context.Background(), "not-an-ip"))
	assert.False(t, ok)
}
