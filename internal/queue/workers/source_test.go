package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/internal/queue"
)

type processorFunc func(ctx context.Context, sourceID, businessID uuid.UUID) error

func (f processorFunc) Process(ctx context.Context, sourceID, businessID uuid.UUID) error {
	return f(ctx, sourceID, businessID)
}

func TestSourceWorker_ProcessTask(t *testing.T) {
	src, biz := uuid.New(), uuid.New()
	var gotSource, gotBusiness uuid.UUID
	w := NewSourceWorker(processorFunc(func(_ context.Context, s, b uuid.UUID) error {
		gotSource, gotBusiness = s, b
		return nil
	}))

	payload, err := json.Marshal(queue.SourceProcessPayload{SourceID: src.String(), BusinessID: biz.String()})
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeSourceProcess, payload)))
	assert.Equal(t, src, gotSource)
	assert.Equal(t, biz, gotBusiness)
}

func TestSourceWorker_BadPayloadSkipsRetry(t *testing.T) {
	w := NewSourceWorker(processorFunc(func(context.Context, uuid.UUID, uuid.UUID) error {
		t.Fatal("processor must not run")
		return nil
	}))

	err := w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeSourceProcess, []byte(`{"source_id": "nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeSourceProcess, []byte(`not json`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSourceWorker_ProcessorErrorIsRetried(t *testing.T) {
	boom := errors.New("database unavailable")
	w := NewSourceWorker(processorFunc(func(context.Context, uuid.UUID, uuid.UUID) error { return boom }))

	payload, _ := json.Marshal(queue.SourceProcessPayload{SourceID: uuid.NewString(), BusinessID: uuid.NewString()})
	err := w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeSourceProcess, payload))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

type reaperFunc func(ctx context.Context, timeout time.Duration) (int, error)

func (f reaperFunc) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	return f(ctx, timeout)
}

func TestReaperWorker_PassesTimeout(t *testing.T) {
	var got time.Duration
	w := NewReaperWorker(reaperFunc(func(_ context.Context, timeout time.Duration) (int, error) {
		got = timeout
		return 2, nil
	}), 30*time.Minute)

	require.NoError(t, w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeSourceReap, nil)))
	assert.Equal(t, 30*time.Minute, got)
}
