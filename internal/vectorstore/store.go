// Package vectorstore indexes chunk embeddings and answers nearest-neighbour
// queries scoped to a business.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/dataintegration/internal/config"
)

type Chunk struct {
	ID           uuid.UUID
	BusinessID   uuid.UUID
	DatabaseID   uuid.UUID
	DataSourceID uuid.UUID
	Sequence     int
	RecordIndex  int
	Content      string
	TokenCount   int
	SourceName   string
	SourceType   string
	Metadata     map[string]string
	Embedding    []float32
}

type SearchOptions struct {
	BusinessID  uuid.UUID
	DatabaseIDs []uuid.UUID // empty means every database of the business
	TopK        int
	MinScore    float64
}

type SearchResult struct {
	ChunkID      uuid.UUID         `json:"chunk_id"`
	DataSourceID uuid.UUID         `json:"data_source_id"`
	DatabaseID   uuid.UUID         `json:"database_id"`
	Content      string            `json:"content"`
	Score        float64           `json:"score"`
	Sequence     int               `json:"chunk_index"`
	RecordIndex  int               `json:"record_index"`
	TokenCount   int               `json:"token_count"`
	SourceName   string            `json:"source_name"`
	SourceType   string            `json:"source_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeleteFilter selects the vectors of one data source or of one database.
// BusinessID is always required.
type DeleteFilter struct {
	BusinessID   uuid.UUID
	DataSourceID uuid.UUID
	DatabaseID   uuid.UUID
}

var ErrUnscopedDelete = errors.New("delete filter needs a business and a data source or database")

func (f DeleteFilter) validate() error {
	if f.BusinessID == uuid.Nil || (f.DataSourceID == uuid.Nil && f.DatabaseID == uuid.Nil) {
		return ErrUnscopedDelete
	}
	return nil
}

type VectorStore interface {
	Upsert(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error)
	Delete(ctx context.Context, filter DeleteFilter) error
	DeleteByIDs(ctx context.Context, businessID uuid.UUID, ids []uuid.UUID) error
}

// New builds the backend named by cfg.Backend. pool is only used by the
// pgvector backend.
func New(ctx context.Context, cfg config.VectorStoreConfig, dims int, pool *pgxpool.Pool) (VectorStore, error) {
	switch cfg.Backend {
	case "pgvector":
		if pool == nil {
			return nil, errors.New("pgvector backend needs a database pool")
		}
		return NewPgVectorStore(pool), nil
	case "qdrant":
		return NewQdrantStore(ctx, cfg, dims)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

func defaultTopK(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}
