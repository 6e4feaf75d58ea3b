package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type PgVectorStore struct {
	db *pgxpool.Pool
}

func NewPgVectorStore(db *pgxpool.Pool) *PgVectorStore {
	return &PgVectorStore{db: db}
}

func (s *PgVectorStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(
			`INSERT INTO data_chunks (id, business_id, database_id, data_source_id, sequence, record_index,
			                          content, token_count, source_name, source_type, metadata, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE SET content = $7, token_count = $8, metadata = $11, embedding = $12`,
			id, c.BusinessID, c.DatabaseID, c.DataSourceID, c.Sequence, c.RecordIndex,
			c.Content, c.TokenCount, c.SourceName, c.SourceType, metadataOrEmpty(c.Metadata), pgvector.NewVector(c.Embedding),
		)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
		return nil
	})
}

func (s *PgVectorStore) Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	embedding := pgvector.NewVector(query)

	var dbFilter []uuid.UUID
	if len(opts.DatabaseIDs) > 0 {
		dbFilter = opts.DatabaseIDs
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, data_source_id, database_id, content, sequence, record_index, token_count,
		        source_name, source_type, metadata, 1 - (embedding <=> $1) AS score
		 FROM data_chunks
		 WHERE business_id = $2
		   AND ($3::uuid[] IS NULL OR database_id = ANY($3))
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		embedding, opts.BusinessID, dbFilter, defaultTopK(opts.TopK),
	)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DataSourceID, &r.DatabaseID, &r.Content, &r.Sequence, &r.RecordIndex,
			&r.TokenCount, &r.SourceName, &r.SourceType, &r.Metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if opts.MinScore > 0 && r.Score < opts.MinScore {
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PgVectorStore) Delete(ctx context.Context, filter DeleteFilter) error {
	if err := filter.validate(); err != nil {
		return err
	}

	var err error
	if filter.DataSourceID != uuid.Nil {
		_, err = s.db.Exec(ctx,
			"DELETE FROM data_chunks WHERE data_source_id = $1 AND business_id = $2",
			filter.DataSourceID, filter.BusinessID,
		)
	} else {
		_, err = s.db.Exec(ctx,
			"DELETE FROM data_chunks WHERE database_id = $1 AND business_id = $2",
			filter.DatabaseID, filter.BusinessID,
		)
	}
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *PgVectorStore) DeleteByIDs(ctx context.Context, businessID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx,
		"DELETE FROM data_chunks WHERE id = ANY($1) AND business_id = $2", ids, businessID,
	); err != nil {
		return fmt.Errorf("delete chunks by id: %w", err)
	}
	return nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
