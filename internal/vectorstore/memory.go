package vectorstore

import (
	"bytes"
	"context"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a brute-force cosine index held in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[uuid.UUID]Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[uuid.UUID]Chunk)}
}

func (s *MemoryStore) Upsert(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.Embedding = slices.Clone(c.Embedding)
		c.Metadata = maps.Clone(c.Metadata)
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for _, c := range s.chunks {
		if c.BusinessID != opts.BusinessID {
			continue
		}
		if len(opts.DatabaseIDs) > 0 && !slices.Contains(opts.DatabaseIDs, c.DatabaseID) {
			continue
		}
		score := cosine(query, c.Embedding)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:      c.ID,
			DataSourceID: c.DataSourceID,
			DatabaseID:   c.DatabaseID,
			Content:      c.Content,
			Score:        score,
			Sequence:     c.Sequence,
			RecordIndex:  c.RecordIndex,
			TokenCount:   c.TokenCount,
			SourceName:   c.SourceName,
			SourceType:   c.SourceType,
			Metadata:     maps.Clone(c.Metadata),
		})
	}

	slices.SortFunc(results, func(a, b SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return bytes.Compare(a.ChunkID[:], b.ChunkID[:])
	})
	if k := defaultTopK(opts.TopK); len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *MemoryStore) Delete(_ context.Context, filter DeleteFilter) error {
	if err := filter.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.BusinessID != filter.BusinessID {
			continue
		}
		if filter.DataSourceID != uuid.Nil && c.DataSourceID != filter.DataSourceID {
			continue
		}
		if filter.DataSourceID == uuid.Nil && c.DatabaseID != filter.DatabaseID {
			continue
		}
		delete(s.chunks, id)
	}
	return nil
}

func (s *MemoryStore) DeleteByIDs(_ context.Context, businessID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok && c.BusinessID == businessID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Len returns the number of stored vectors.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
