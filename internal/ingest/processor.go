// Package ingest turns a stored upload into searchable chunks: extract,
// chunk, embed and index, with the source's status tracking each step.
package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/cache"
	"github.com/nikhilbhutani/dataintegration/internal/models"
	"github.com/nikhilbhutani/dataintegration/internal/source"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
	"github.com/nikhilbhutani/dataintegration/pkg/chunker"
	"github.com/nikhilbhutani/dataintegration/pkg/textextract"
)

// errSourceGone stops processing when the source was deleted or cancelled
// mid-run.
var errSourceGone = errors.New("data source deleted during processing")

// Sources is the slice of source.Service the processor drives.
type Sources interface {
	Get(ctx context.Context, businessID, id uuid.UUID) (*models.DataSource, error)
	Transition(ctx context.Context, id uuid.UUID, c source.Change) (*models.DataSource, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) (bool, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Chunking  chunker.ChunkOptions
	BatchSize int           // chunks embedded and indexed per step
	LeaseTTL  time.Duration // cross-process lease, extended after every batch
}

type Processor struct {
	sources   Sources
	store     storage.Storage
	embedder  Embedder
	vectors   vectorstore.VectorStore
	arena     *LockArena
	leases    *cache.Locker
	canceller *Canceller
	opts      Options
}

// NewProcessor wires the pipeline. leases may be nil when a single process
// does all processing.
func NewProcessor(sources Sources, store storage.Storage, embedder Embedder, vectors vectorstore.VectorStore,
	leases *cache.Locker, canceller *Canceller, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Minute
	}
	if canceller == nil {
		canceller = NewCanceller(nil)
	}
	return &Processor{
		sources:   sources,
		store:     store,
		embedder:  embedder,
		vectors:   vectors,
		arena:     NewLockArena(),
		leases:    leases,
		canceller: canceller,
		opts:      opts,
	}
}

// Process runs the pipeline for one source. A source that is already
// claimed, no longer pending or gone is skipped. Pipeline failures are
// recorded on the source and not returned; the returned error means the
// source could not be claimed or its failure could not be recorded, and a
// retry is worthwhile.
func (p *Processor) Process(ctx context.Context, sourceID, businessID uuid.UUID) error {
	log := slog.With("source_id", sourceID, "business_id", businessID)

	unlock, ok := p.arena.TryLock(sourceID)
	if !ok {
		log.Info("source already processing in this worker, skipping")
		return nil
	}
	defer unlock()

	var lease *cache.Lease
	if p.leases != nil {
		l, acquired, err := p.leases.TryAcquire(ctx, "source:"+sourceID.String(), p.opts.LeaseTTL)
		if err != nil {
			return fmt.Errorf("acquire source lease: %w", err)
		}
		if !acquired {
			log.Info("source leased by another worker, skipping")
			return nil
		}
		lease = l
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, cache.ErrNotHeld) {
				log.Warn("release source lease failed", "error", err)
			}
		}()
	}

	if _, err := p.sources.Get(ctx, businessID, sourceID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			log.Info("source no longer exists, skipping")
			return nil
		}
		return fmt.Errorf("load source: %w", err)
	}

	ds, err := p.sources.Transition(ctx, sourceID, source.Change{
		From: models.SourceStatusPending,
		To:   models.SourceStatusProcessing,
	})
	if err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	if ds == nil {
		log.Info("source is not pending, skipping")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.canceller.register(sourceID, cancel)()

	start := time.Now()
	out, err := p.run(runCtx, ds, lease)
	if err != nil {
		return p.fail(ctx, ds, err)
	}

	done, err := p.sources.Transition(context.WithoutCancel(ctx), sourceID, source.Change{
		From:     models.SourceStatusProcessing,
		To:       models.SourceStatusCompleted,
		Records:  &out.records,
		Chunks:   &out.chunks,
		Metadata: &models.SourceMetadata{Columns: out.columns},
	})
	if err != nil {
		return p.fail(ctx, ds, fmt.Errorf("complete processing: %w", err))
	}
	if done == nil {
		// Deleted or reaped while finishing; drop what was written.
		p.dropVectors(ctx, ds)
		log.Info("source left processing before completion")
		return nil
	}

	log.Info("data source processed",
		"records", out.records,
		"chunks", out.chunks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// outcome is what a successful run commits with the completed status.
type outcome struct {
	records int
	chunks  int
	columns []string
}

func (p *Processor) run(ctx context.Context, ds *models.DataSource, lease *cache.Lease) (outcome, error) {
	data, err := storage.ReadAll(ctx, p.store, ds.FilePath)
	if err != nil {
		return outcome{}, apperr.ExternalService("file storage", err)
	}

	recs, err := textextract.Extract(data, ds.SourceType)
	if err != nil {
		return outcome{}, err
	}
	all := slices.Collect(chunker.Chunks(recs, p.opts.Chunking))
	if len(all) == 0 {
		return outcome{}, apperr.Extraction(nil, "no content to index in %s", ds.Name)
	}

	for start := 0; start < len(all); start += p.opts.BatchSize {
		batch := all[start:min(start+p.opts.BatchSize, len(all))]
		if err := p.checkAlive(ctx, ds.ID); err != nil {
			return outcome{}, err
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return outcome{}, err
		}
		if err := p.vectors.Upsert(ctx, p.toVectors(ds, batch, vecs)); err != nil {
			return outcome{}, apperr.ExternalService("vector store", err)
		}

		done := start + len(batch)
		if _, err := p.sources.UpdateProgress(ctx, ds.ID, done*100/len(all)); err != nil {
			slog.Warn("update progress failed", "source_id", ds.ID, "error", err)
		}
		if lease != nil {
			if err := lease.Extend(ctx, p.opts.LeaseTTL); err != nil {
				return outcome{}, fmt.Errorf("extend source lease: %w", err)
			}
		}
	}
	return outcome{records: len(recs), chunks: len(all), columns: textextract.Columns(recs)}, nil
}

func (p *Processor) checkAlive(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("processing cancelled: %w", err)
	}
	ok, err := p.sources.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return errSourceGone
	}
	return nil
}

// chunkID is stable per source and sequence so a rerun overwrites rather
// than duplicates.
func chunkID(sourceID uuid.UUID, sequence int) uuid.UUID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(sequence))
	return uuid.NewSHA1(sourceID, b[:])
}

func (p *Processor) toVectors(ds *models.DataSource, batch []chunker.Chunk, vecs [][]float32) []vectorstore.Chunk {
	out := make([]vectorstore.Chunk, len(batch))
	for i, c := range batch {
		meta := maps.Clone(c.Metadata)
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		meta["part"] = strconv.Itoa(c.Part)
		out[i] = vectorstore.Chunk{
			ID:           chunkID(ds.ID, c.Sequence),
			BusinessID:   ds.BusinessID,
			DatabaseID:   ds.DatabaseID,
			DataSourceID: ds.ID,
			Sequence:     c.Sequence,
			RecordIndex:  c.RecordIndex,
			Content:      c.Content,
			TokenCount:   c.TokenCount,
			SourceName:   ds.Name,
			SourceType:   ds.SourceType,
			Metadata:     meta,
			Embedding:    vecs[i],
		}
	}
	return out
}

// fail removes the source's vectors and then records the error, so a
// failed source never leaves partial results behind.
func (p *Processor) fail(ctx context.Context, ds *models.DataSource, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := slog.With("source_id", ds.ID, "business_id", ds.BusinessID)

	p.dropVectors(ctx, ds)

	if errors.Is(cause, errSourceGone) {
		log.Info("processing stopped, source deleted")
		return nil
	}

	msg := cause.Error()
	failed, err := p.sources.Transition(ctx, ds.ID, source.Change{
		From:  models.SourceStatusProcessing,
		To:    models.SourceStatusError,
		Error: &msg,
	})
	if err != nil {
		return fmt.Errorf("record processing failure: %w", err)
	}
	if failed != nil {
		log.Error("data source processing failed", "kind", apperr.KindOf(cause).String(), "error", cause)
	}
	return nil
}

// Abandon moves a source that could not be claimed from pending to error.
// A source that already left pending is left alone.
func (p *Processor) Abandon(ctx context.Context, sourceID uuid.UUID, cause error) error {
	msg := "could not start processing: " + cause.Error()
	failed, err := p.sources.Transition(context.WithoutCancel(ctx), sourceID, source.Change{
		From:  models.SourceStatusPending,
		To:    models.SourceStatusError,
		Error: &msg,
	})
	if err != nil {
		return fmt.Errorf("record abandoned source: %w", err)
	}
	if failed != nil {
		slog.Error("data source abandoned", "source_id", sourceID, "business_id", failed.BusinessID, "error", cause)
	}
	return nil
}

func (p *Processor) dropVectors(ctx context.Context, ds *models.DataSource) {
	err := p.vectors.Delete(context.WithoutCancel(ctx), vectorstore.DeleteFilter{
		BusinessID:   ds.BusinessID,
		DataSourceID: ds.ID,
	})
	if err != nil {
		slog.Error("delete partial vectors failed", "source_id", ds.ID, "error", err)
	}
}
