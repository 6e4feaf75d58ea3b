package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/cache"
)

func newAgentServer(t *testing.T, owners map[uuid.UUID]uuid.UUID, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		id, err := uuid.Parse(r.URL.Path[len("/agents/"):])
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		owner, ok := owners[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id.String(), "business_id": owner.String()})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDirectory_BusinessOwns(t *testing.T) {
	agent, business := uuid.New(), uuid.New()
	var calls atomic.Int32
	srv := newAgentServer(t, map[uuid.UUID]uuid.UUID{agent: business}, &calls)

	d := NewHTTPDirectory(srv.URL, nil, time.Minute)
	ctx := context.Background()

	ok, err := d.BusinessOwns(ctx, agent, business)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.BusinessOwns(ctx, agent, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.BusinessOwns(ctx, uuid.New(), business)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPDirectory_CachesLookups(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	agent, business := uuid.New(), uuid.New()
	unknown := uuid.New()
	var calls atomic.Int32
	srv := newAgentServer(t, map[uuid.UUID]uuid.UUID{agent: business}, &calls)

	d := NewHTTPDirectory(srv.URL, cache.NewCache(client, "test:"), time.Minute)
	ctx := context.Background()

	for range 3 {
		ok, err := d.BusinessOwns(ctx, agent, business)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = d.BusinessOwns(ctx, unknown, business)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPDirectory_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	d := NewHTTPDirectory(srv.URL, nil, time.Minute)
	_, err := d.BusinessOwns(context.Background(), uuid.New(), uuid.New())
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))
}
