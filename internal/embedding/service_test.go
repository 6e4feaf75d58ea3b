package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
)

type fakeProvider struct {
	mu       sync.Mutex
	dims     int
	calls    [][]string
	failures []error // returned in order before succeeding
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, texts)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dims)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func testOptions() Options {
	return Options{Dimensions: 4, BatchSize: 100, MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestEmbed_BatchesInOrder(t *testing.T) {
	p := &fakeProvider{dims: 4}
	svc := NewService(p, testOptions())

	texts := make([]string, 250)
	for i := range texts {
		texts[i] = fmt.Sprintf("%0*d", i%9+1, 0)
	}

	vecs, err := svc.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 250)
	require.Len(t, p.calls, 3)
	assert.Len(t, p.calls[0], 100)
	assert.Len(t, p.calls[1], 100)
	assert.Len(t, p.calls[2], 50)
	for i, v := range vecs {
		assert.Equal(t, float32(i%9+1), v[0])
	}
}

func TestEmbed_Empty(t *testing.T) {
	p := &fakeProvider{dims: 4}
	vecs, err := NewService(p, testOptions()).Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Empty(t, p.calls)
}

func TestEmbed_RetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{dims: 4, failures: []error{
		&StatusError{Provider: "fake", Code: http.StatusServiceUnavailable},
		&StatusError{Provider: "fake", Code: http.StatusTooManyRequests},
	}}
	vecs, err := NewService(p, testOptions()).Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Len(t, p.calls, 3)
}

func TestEmbed_RetriesAreBounded(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = &StatusError{Provider: "fake", Code: http.StatusBadGateway}
	}
	p := &fakeProvider{dims: 4, failures: failures}
	opts := testOptions()
	opts.MaxRetries = 2

	_, err := NewService(p, opts).Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExternalService))
	assert.Len(t, p.calls, 3)
}

func TestEmbed_PermanentFailureIsNotRetried(t *testing.T) {
	p := &fakeProvider{dims: 4, failures: []error{&StatusError{Provider: "fake", Code: http.StatusBadRequest}}}
	_, err := NewService(p, testOptions()).Embed(context.Background(), []string{"a"})
	assert.True(t, apperr.Is(err, apperr.KindExternalService))
	assert.Len(t, p.calls, 1)
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	p := &fakeProvider{dims: 3}
	_, err := NewService(p, testOptions()).Embed(context.Background(), []string{"a"})
	assert.True(t, apperr.Is(err, apperr.KindExternalService))
	assert.Len(t, p.calls, 1)
}

func TestEmbed_CancelledContextSpendsNothing(t *testing.T) {
	p := &fakeProvider{dims: 4}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewService(p, testOptions()).Embed(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperr.Is(err, apperr.KindExternalService))
	assert.Empty(t, p.calls)
}

func TestEmbedSingle(t *testing.T) {
	p := &fakeProvider{dims: 4}
	v, err := NewService(p, testOptions()).EmbedSingle(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, float32(5), v[0])
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&StatusError{Code: 500}))
	assert.True(t, isTransient(&StatusError{Code: 429}))
	assert.False(t, isTransient(&StatusError{Code: 401}))
	assert.True(t, isTransient(fmt.Errorf("wrapped: %w", &openai.APIError{HTTPStatusCode: 503})))
	assert.False(t, isTransient(&openai.APIError{HTTPStatusCode: 400}))
	assert.True(t, isTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(errors.New("boom")))
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embeddings": [[0.1, 0.2], [0.3, 0.4]]}`))
	}))
	defer srv.Close()

	vecs, err := NewOllamaProvider(srv.URL+"/", "").Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vecs)
}

func TestOllamaProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "nomic-embed-text").Embed(context.Background(), []string{"a"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, isTransient(err))
}
