package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/cache"
	"github.com/nikhilbhutani/dataintegration/internal/models"
	"github.com/nikhilbhutani/dataintegration/internal/source"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
	"github.com/nikhilbhutani/dataintegration/pkg/chunker"
)

const peopleCSV = "name,city\nalice,Lisbon\nbob,Oslo\ncarol,Quito\n"

type fakeSources struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*models.DataSource
	progress []int
}

func newFakeSources() *fakeSources {
	return &fakeSources{rows: make(map[uuid.UUID]*models.DataSource)}
}

func (f *fakeSources) add(ds *models.DataSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[ds.ID] = ds
}

func (f *fakeSources) remove(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
}

func (f *fakeSources) get(id uuid.UUID) (models.DataSource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.rows[id]
	if !ok {
		return models.DataSource{}, false
	}
	return *ds, true
}

func (f *fakeSources) Get(_ context.Context, businessID, id uuid.UUID) (*models.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.rows[id]
	if !ok || ds.BusinessID != businessID {
		return nil, apperr.NotFound("data source")
	}
	cp := *ds
	return &cp, nil
}

func (f *fakeSources) Transition(_ context.Context, id uuid.UUID, c source.Change) (*models.DataSource, error) {
	if !models.CanTransition(c.From, c.To) {
		return nil, source.ErrInvalidTransition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.rows[id]
	if !ok || ds.ProcessingStatus != c.From {
		return nil, nil
	}
	ds.ProcessingStatus = c.To
	if c.Records != nil {
		ds.RecordsCount = *c.Records
	}
	if c.Chunks != nil {
		ds.ChunksCount = *c.Chunks
	}
	ds.ProcessingError = c.Error
	if c.Metadata != nil {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, err
		}
		ds.Metadata = meta
	}
	cp := *ds
	return &cp, nil
}

func (f *fakeSources) UpdateProgress(_ context.Context, id uuid.UUID, progress int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	ds, ok := f.rows[id]
	if !ok || ds.ProcessingStatus != models.SourceStatusProcessing {
		return false, nil
	}
	ds.Progress = min(progress, 99)
	return true, nil
}

func (f *fakeSources) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	hook  func(ctx context.Context, call int) error
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if e.hook != nil {
		if err := e.hook(ctx, call); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	sources  *fakeSources
	store    *storage.MemoryStorage
	vectors  *vectorstore.MemoryStore
	embedder *fakeEmbedder
	proc     *Processor
}

func newFixture(t *testing.T, leases *cache.Locker, batchSize int) *fixture {
	t.Helper()
	f := &fixture{
		sources:  newFakeSources(),
		store:    storage.NewMemoryStorage(),
		vectors:  vectorstore.NewMemoryStore(),
		embedder: &fakeEmbedder{},
	}
	f.proc = NewProcessor(f.sources, f.store, f.embedder, f.vectors, leases, NewCanceller(nil), Options{
		Chunking:  chunker.DefaultOptions(),
		BatchSize: batchSize,
		LeaseTTL:  time.Minute,
	})
	return f
}

func (f *fixture) addSource(t *testing.T, name, content string) *models.DataSource {
	t.Helper()
	ds := &models.DataSource{
		ID:               uuid.New(),
		BusinessID:       uuid.New(),
		DatabaseID:       uuid.New(),
		Name:             name,
		SourceType:       name[bytes.LastIndexByte([]byte(name), '.')+1:],
		ProcessingStatus: models.SourceStatusPending,
	}
	ds.FilePath = ds.BusinessID.String() + "/" + ds.ID.String() + "/" + name
	require.NoError(t, f.store.Upload(context.Background(), ds.FilePath, bytes.NewReader([]byte(content)), int64(len(content)), "text/csv"))
	f.sources.add(ds)
	return ds
}

func TestProcess_IndexesAllChunks(t *testing.T) {
	f := newFixture(t, nil, 2)
	ds := f.addSource(t, "people.csv", peopleCSV)

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	got, ok := f.sources.get(ds.ID)
	require.True(t, ok)
	assert.Equal(t, models.SourceStatusCompleted, got.ProcessingStatus)
	assert.Equal(t, 3, got.RecordsCount)
	assert.Equal(t, 3, got.ChunksCount)
	assert.Nil(t, got.ProcessingError)
	assert.Equal(t, 3, f.vectors.Len())
	assert.Equal(t, 2, f.embedder.Calls())
	assert.Equal(t, []int{66, 100}, f.sources.progress)
	assert.JSONEq(t, `{"columns": ["name", "city"]}`, string(got.Metadata))

	results, err := f.vectors.Search(context.Background(), []float32{1, 0, 0}, vectorstore.SearchOptions{BusinessID: ds.BusinessID, TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, ds.ID, r.DataSourceID)
		assert.Equal(t, "people.csv", r.SourceName)
		assert.Equal(t, "0", r.Metadata["part"])
	}
}

func TestProcess_RerunOverwritesVectors(t *testing.T) {
	f := newFixture(t, nil, 10)
	ds := f.addSource(t, "people.csv", peopleCSV)
	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	// Pretend the source was reset by hand and processed again.
	f.sources.mu.Lock()
	f.sources.rows[ds.ID].ProcessingStatus = models.SourceStatusPending
	f.sources.mu.Unlock()
	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	assert.Equal(t, 3, f.vectors.Len())
}

func TestProcess_ExtractionFailureRecorded(t *testing.T) {
	f := newFixture(t, nil, 10)
	ds := f.addSource(t, "broken.json", `{"name": "unterminated"`)

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	got, _ := f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusError, got.ProcessingStatus)
	require.NotNil(t, got.ProcessingError)
	assert.NotEmpty(t, *got.ProcessingError)
	assert.Zero(t, f.embedder.Calls())
	assert.Zero(t, f.vectors.Len())
}

func TestProcess_MissingFileRecorded(t *testing.T) {
	f := newFixture(t, nil, 10)
	ds := f.addSource(t, "people.csv", peopleCSV)
	require.NoError(t, f.store.Delete(context.Background(), ds.FilePath))

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	got, _ := f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusError, got.ProcessingStatus)
	require.NotNil(t, got.ProcessingError)
	assert.Contains(t, *got.ProcessingError, "file storage")
}

func TestProcess_EmbeddingFailureRemovesPartialVectors(t *testing.T) {
	f := newFixture(t, nil, 1)
	f.embedder.hook = func(_ context.Context, call int) error {
		if call == 2 {
			return apperr.ExternalService("embedding", errors.New("rate limited"))
		}
		return nil
	}
	ds := f.addSource(t, "people.csv", peopleCSV)

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	got, _ := f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusError, got.ProcessingStatus)
	require.NotNil(t, got.ProcessingError)
	assert.Contains(t, *got.ProcessingError, "rate limited")
	assert.Zero(t, f.vectors.Len())
}

func TestProcess_SourceDeletedMidRun(t *testing.T) {
	f := newFixture(t, nil, 1)
	var ds *models.DataSource
	f.embedder.hook = func(_ context.Context, call int) error {
		if call == 1 {
			f.sources.remove(ds.ID)
		}
		return nil
	}
	ds = f.addSource(t, "people.csv", peopleCSV)

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))

	_, ok := f.sources.get(ds.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, f.embedder.Calls())
	assert.Zero(t, f.vectors.Len())
}

func TestProcess_SkipsSourceThatIsNotPending(t *testing.T) {
	f := newFixture(t, nil, 10)
	ds := f.addSource(t, "people.csv", peopleCSV)
	f.sources.mu.Lock()
	f.sources.rows[ds.ID].ProcessingStatus = models.SourceStatusCompleted
	f.sources.mu.Unlock()

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))
	assert.Zero(t, f.embedder.Calls())
}

func TestProcess_SkipsForeignBusiness(t *testing.T) {
	f := newFixture(t, nil, 10)
	ds := f.addSource(t, "people.csv", peopleCSV)

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, uuid.New()))

	got, _ := f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusPending, got.ProcessingStatus)
	assert.Zero(t, f.embedder.Calls())
}

func TestProcess_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := cache.NewLocker(client, "test:")

	f := newFixture(t, locker, 10)
	ds := f.addSource(t, "people.csv", peopleCSV)

	other, ok, err := locker.TryAcquire(context.Background(), "source:"+ds.ID.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))
	got, _ := f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusPending, got.ProcessingStatus)

	require.NoError(t, other.Release(context.Background()))
	require.NoError(t, f.proc.Process(context.Background(), ds.ID, ds.BusinessID))
	got, _ = f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusCompleted, got.ProcessingStatus)
	assert.False(t, mr.Exists("test:source:"+ds.ID.String()))
}

func TestProcess_CancelStopsEmbedding(t *testing.T) {
	f := newFixture(t, nil, 1)
	started := make(chan struct{})
	f.embedder.hook = func(ctx context.Context, call int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	ds := f.addSource(t, "people.csv", peopleCSV)

	done := make(chan error, 1)
	go func() { done <- f.proc.Process(context.Background(), ds.ID, ds.BusinessID) }()

	<-started
	assert.True(t, f.proc.canceller.tracking(ds.ID))
	f.proc.canceller.Cancel(context.Background(), ds.ID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not stop after cancel")
	}

	assert.False(t, f.proc.canceller.tracking(ds.ID))
	assert.Equal(t, 1, f.embedder.Calls())
	got, _ := f.sources.get(ds.ID)
	assert.Equal(t, models.SourceStatusError, got.ProcessingStatus)
}

func TestChunkID_Stable(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, chunkID(id, 4), chunkID(id, 4))
	assert.NotEqual(t, chunkID(id, 4), chunkID(id, 5))
	assert.NotEqual(t, chunkID(id, 4), chunkID(uuid.New(), 4))
}
