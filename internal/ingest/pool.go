package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// ErrQueueFull is returned by Dispatch when the backlog is at capacity.
var ErrQueueFull = errors.New("processing backlog full")

var errPoolClosed = errors.New("processing pool closed")

type job struct {
	sourceID   uuid.UUID
	businessID uuid.UUID
}

// Pool processes sources in this process on an ants worker pool. Dispatch
// only enqueues, so callers never wait for a free worker.
type Pool struct {
	proc    *Processor
	workers *ants.Pool
	backlog chan job
	timeout time.Duration
	retries int
	wait    time.Duration
	active  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fed    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type PoolOptions struct {
	Workers int           // concurrent sources
	Backlog int           // queued sources before Dispatch fails
	Timeout time.Duration // per-source processing limit

	// Retries bounds how often a source that could not be claimed is tried
	// again before it is marked failed. RetryWait is the first backoff.
	Retries   int
	RetryWait time.Duration
}

func NewPool(proc *Processor, opts PoolOptions) (*Pool, error) {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 1000
	}
	if opts.Retries <= 0 {
		opts.Retries = 4
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 2 * time.Second
	}

	workers, err := ants.NewPool(opts.Workers,
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(v any) {
			slog.Error("processing worker panic recovered", "panic", v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create processing pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		proc:    proc,
		workers: workers,
		backlog: make(chan job, opts.Backlog),
		timeout: opts.Timeout,
		retries: opts.Retries,
		wait:    opts.RetryWait,
		ctx:     ctx,
		cancel:  cancel,
		fed:     make(chan struct{}),
	}
	go p.feed()

	slog.Info("processing pool started", "workers", opts.Workers, "backlog", opts.Backlog)
	return p, nil
}

func (p *Pool) Dispatch(_ context.Context, sourceID, businessID uuid.UUID) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPoolClosed
	}
	select {
	case p.backlog <- job{sourceID: sourceID, businessID: businessID}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) feed() {
	defer close(p.fed)
	for j := range p.backlog {
		p.wg.Add(1)
		err := p.workers.Submit(func() {
			defer p.wg.Done()
			p.run(j)
		})
		if err != nil {
			p.wg.Done()
			slog.Error("submit processing job failed", "source_id", j.sourceID, "error", err)
		}
	}
}

// run processes j, retrying claim failures with backoff. A source that still
// cannot be claimed is moved to error so it does not stay pending.
func (p *Pool) run(j job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	log := slog.With("source_id", j.sourceID, "business_id", j.businessID)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.wait
	eb.MaxInterval = 30 * p.wait
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.retries)), p.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.process(j)
		if err != nil && p.ctx.Err() == nil {
			log.Warn("process data source failed, retrying", "attempt", attempt, "error", err)
		}
		return err
	}, policy)
	if err == nil {
		return
	}
	if p.ctx.Err() != nil {
		log.Warn("processing pool stopped before source was claimed", "error", err)
		return
	}

	log.Error("process data source failed", "attempts", attempt, "error", err)
	if err := p.proc.Abandon(p.ctx, j.sourceID, err); err != nil {
		log.Error("record abandoned data source failed", "error", err)
	}
}

func (p *Pool) process(j job) error {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.proc.Process(ctx, j.sourceID, j.businessID)
}

// Running reports how many sources are processing right now.
func (p *Pool) Running() int { return int(p.active.Load()) }

// Queued reports how many dispatched sources wait for a worker.
func (p *Pool) Queued() int { return len(p.backlog) }

// Close stops accepting work and waits up to timeout for queued and running
// sources, then cancels whatever is left.
func (p *Pool) Close(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.backlog)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-p.fed
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("processing pool shutdown timed out, cancelling running sources")
		p.cancel()
		<-done
	}
	p.cancel()
	p.workers.Release()
}
