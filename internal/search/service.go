// Package search answers natural-language queries over a business's indexed
// data sources.
package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/source"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
)

const (
	DefaultLimit     = 10
	MaxLimit         = 50
	DefaultThreshold = 0.7
	maxQueryLength   = 2000

	// widenFactor grows the candidate window when gated hits crowd it out.
	widenFactor = 4
)

type QueryEmbedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

type DatabaseOwner interface {
	Owned(ctx context.Context, businessID, databaseID uuid.UUID) error
}

// SourceGate reports which data sources may currently appear in results.
type SourceGate interface {
	Visible(ctx context.Context, businessID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]source.SourceRef, error)
}

type AgentBindings interface {
	Authorize(ctx context.Context, businessID, agentID, databaseID uuid.UUID) error
	BoundDatabaseIDs(ctx context.Context, businessID, agentID uuid.UUID) ([]uuid.UUID, error)
}

type Request struct {
	Query          string     `json:"query"`
	DatabaseID     *uuid.UUID `json:"database_id,omitempty"`
	Limit          int        `json:"limit"`
	ScoreThreshold *float64   `json:"score_threshold,omitempty"`
}

type Result struct {
	Query           string                     `json:"query"`
	Results         []vectorstore.SearchResult `json:"results"`
	TotalResults    int                        `json:"total_results"`
	ExecutionTimeMS float64                    `json:"execution_time_ms"`
}

type Service struct {
	embedder  QueryEmbedder
	vectors   vectorstore.VectorStore
	databases DatabaseOwner
	gate      SourceGate
	bindings  AgentBindings
	overfetch int
}

func NewService(embedder QueryEmbedder, vectors vectorstore.VectorStore, databases DatabaseOwner, gate SourceGate, bindings AgentBindings, overfetch int) *Service {
	if overfetch < 1 {
		overfetch = 3
	}
	return &Service{
		embedder:  embedder,
		vectors:   vectors,
		databases: databases,
		gate:      gate,
		bindings:  bindings,
		overfetch: overfetch,
	}
}

// normalize validates req and fills in defaults.
func normalize(req Request) (Request, float64, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, 0, apperr.Validation("query", "must not be empty")
	}
	if len([]rune(req.Query)) > maxQueryLength {
		return req, 0, apperr.Validation("query", fmt.Sprintf("must be at most %d characters", maxQueryLength))
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit < 1 || req.Limit > MaxLimit {
		return req, 0, apperr.Validation("limit", fmt.Sprintf("must be between 1 and %d", MaxLimit))
	}
	threshold := DefaultThreshold
	if req.ScoreThreshold != nil {
		threshold = *req.ScoreThreshold
	}
	if threshold < 0 || threshold > 1 {
		return req, 0, apperr.Validation("score_threshold", "must be between 0 and 1")
	}
	return req, threshold, nil
}

// Search runs req over the business's databases, or over req.DatabaseID
// when set. A database the business does not own is NotFound.
func (s *Service) Search(ctx context.Context, businessID uuid.UUID, req Request) (*Result, error) {
	req, threshold, err := normalize(req)
	if err != nil {
		return nil, err
	}

	var scope []uuid.UUID
	if req.DatabaseID != nil {
		if err := s.databases.Owned(ctx, businessID, *req.DatabaseID); err != nil {
			return nil, err
		}
		scope = []uuid.UUID{*req.DatabaseID}
	}
	return s.run(ctx, businessID, req, threshold, scope)
}

// SearchForAgent limits the search to databases the agent is actively bound
// to. Naming an unbound database, or having no bindings, is Unauthorized.
func (s *Service) SearchForAgent(ctx context.Context, businessID, agentID uuid.UUID, req Request) (*Result, error) {
	req, threshold, err := normalize(req)
	if err != nil {
		return nil, err
	}

	var scope []uuid.UUID
	if req.DatabaseID != nil {
		if err := s.bindings.Authorize(ctx, businessID, agentID, *req.DatabaseID); err != nil {
			return nil, err
		}
		scope = []uuid.UUID{*req.DatabaseID}
	} else {
		scope, err = s.bindings.BoundDatabaseIDs(ctx, businessID, agentID)
		if err != nil {
			return nil, err
		}
		if len(scope) == 0 {
			return nil, apperr.Unauthorized("agent is not bound to any database")
		}
	}
	return s.run(ctx, businessID, req, threshold, scope)
}

func (s *Service) run(ctx context.Context, businessID uuid.UUID, req Request, threshold float64, scope []uuid.UUID) (*Result, error) {
	start := time.Now()

	vec, err := s.embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	opts := vectorstore.SearchOptions{
		BusinessID:  businessID,
		DatabaseIDs: scope,
		TopK:        req.Limit * s.overfetch,
		MinScore:    threshold,
	}
	var (
		hits    []vectorstore.SearchResult
		results []vectorstore.SearchResult
	)
	// Chunks of sources that are not visible still occupy the candidate
	// window, so widen it until enough survive or the store has no more.
	for {
		hits, err = s.vectors.Search(ctx, vec, opts)
		if err != nil {
			return nil, apperr.ExternalService("vector store", err)
		}
		results, err = s.filterVisible(ctx, businessID, hits, threshold)
		if err != nil {
			return nil, err
		}
		if len(results) >= req.Limit || len(hits) < opts.TopK {
			break
		}
		opts.TopK *= widenFactor
	}
	Rank(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	elapsed := time.Since(start)
	slog.Debug("search completed",
		"business_id", businessID,
		"results", len(results),
		"candidates", len(hits),
		"duration_ms", elapsed.Milliseconds(),
	)
	return &Result{
		Query:           req.Query,
		Results:         results,
		TotalResults:    len(results),
		ExecutionTimeMS: float64(elapsed.Microseconds()) / 1000,
	}, nil
}

// filterVisible drops hits below threshold and hits whose source is not a
// completed source of the business. Sources are deleted from the relational
// store before their vectors, so this keeps all of a source or none of it.
func (s *Service) filterVisible(ctx context.Context, businessID uuid.UUID, hits []vectorstore.SearchResult, threshold float64) ([]vectorstore.SearchResult, error) {
	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		if !slices.Contains(ids, h.DataSourceID) {
			ids = append(ids, h.DataSourceID)
		}
	}
	visible, err := s.gate.Visible(ctx, businessID, ids)
	if err != nil {
		return nil, fmt.Errorf("check result visibility: %w", err)
	}

	out := make([]vectorstore.SearchResult, 0, len(hits))
	for _, h := range hits {
		ref, ok := visible[h.DataSourceID]
		if !ok || h.Score < threshold {
			continue
		}
		h.SourceName = ref.Name
		h.SourceType = ref.SourceType
		h.DatabaseID = ref.DatabaseID
		out = append(out, h)
	}
	return out, nil
}

// Rank orders results by score descending, then chunk sequence ascending,
// then data source id, then chunk id.
func Rank(results []vectorstore.SearchResult) {
	slices.SortStableFunc(results, func(a, b vectorstore.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.Sequence != b.Sequence:
			return a.Sequence - b.Sequence
		}
		if c := bytes.Compare(a.DataSourceID[:], b.DataSourceID[:]); c != 0 {
			return c
		}
		return bytes.Compare(a.ChunkID[:], b.ChunkID[:])
	})
}
