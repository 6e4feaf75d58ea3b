package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/config"
	"github.com/nikhilbhutani/dataintegration/pkg/tokenizer"
)

// maxBatchTokens keeps a single request under the provider's per-request
// token ceiling.
const maxBatchTokens = 250_000

type Options struct {
	Dimensions     int
	BatchSize      int
	RPS            float64
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func OptionsFromConfig(cfg config.EmbeddingConfig) Options {
	return Options{
		Dimensions: cfg.Dimensions,
		BatchSize:  cfg.BatchSize,
		RPS:        cfg.RPS,
		MaxRetries: cfg.MaxRetries,
	}
}

// Service batches, rate limits and retries calls to a Provider.
type Service struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
}

func NewService(p Provider, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	return &Service{
		provider: p,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (s *Service) Dimensions() int { return s.opts.Dimensions }

// Embed returns one vector per text, in input order. A batch is retried only
// on transient provider failures; cancellation of ctx stops immediately.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i, batch := range s.batches(texts) {
		vecs, err := s.embedBatch(ctx, batch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("embed batch %d: %w", i, ctxErr)
			}
			return nil, apperr.ExternalService(s.provider.Name(), fmt.Errorf("embed batch %d: %w", i, err))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, apperr.ExternalService(s.provider.Name(), errors.New("no embedding returned"))
	}
	return embeddings[0], nil
}

// batches splits texts by count and by estimated token volume.
func (s *Service) batches(texts []string) [][]string {
	var (
		out     [][]string
		start   int
		pending int
	)
	for i, t := range texts {
		n := tokenizer.CountTokens(t)
		if i > start && (i-start >= s.opts.BatchSize || pending+n > maxBatchTokens) {
			out = append(out, texts[start:i])
			start, pending = i, 0
		}
		pending += n
	}
	return append(out, texts[start:])
}

func (s *Service) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.InitialBackoff
	eb.MaxInterval = s.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.MaxRetries)), ctx)

	var vecs [][]float32
	attempt := 0
	op := func() error {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		got, err := s.provider.Embed(ctx, batch)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("embedding call failed, retrying",
				"provider", s.provider.Name(),
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		if err := s.check(got, len(batch)); err != nil {
			return backoff.Permanent(err)
		}
		vecs = got
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (s *Service) check(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("got %d embeddings for %d inputs", len(vecs), want)
	}
	if s.opts.Dimensions <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != s.opts.Dimensions {
			return fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), s.opts.Dimensions)
		}
	}
	return nil
}
