package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/nikhilbhutani/dataintegration/internal/config"
)

// QdrantStore keeps one point per chunk in a single collection. Tenancy is
// enforced with payload filters.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

func NewQdrantStore(ctx context.Context, cfg config.VectorStoreConfig, dims int) (*QdrantStore, error) {
	host, port := parseHostPort(cfg.QdrantAddr, "localhost", 6334)

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.QdrantAPIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &QdrantStore{client: client, collection: cfg.QdrantCollection}
	if err := s.ensureCollection(ctx, dims); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dims int) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list qdrant collections: %w", err)
	}
	if slices.Contains(collections, s.collection) {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", s.collection, err)
	}

	for _, field := range []string{"business_id", "database_id", "data_source_id"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("index qdrant field %s: %w", field, err)
		}
	}

	slog.Info("created qdrant collection", "collection", s.collection, "dimensions", dims)
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		payload := map[string]any{
			"business_id":    c.BusinessID.String(),
			"database_id":    c.DatabaseID.String(),
			"data_source_id": c.DataSourceID.String(),
			"sequence":       int64(c.Sequence),
			"record_index":   int64(c.RecordIndex),
			"content":        c.Content,
			"token_count":    int64(c.TokenCount),
			"source_name":    c.SourceName,
			"source_type":    c.SourceType,
		}
		for k, v := range c.Metadata {
			payload["meta_"+k] = v
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(id.String()),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("business_id", opts.BusinessID.String())},
	}
	if len(opts.DatabaseIDs) > 0 {
		ids := make([]string, len(opts.DatabaseIDs))
		for i, id := range opts.DatabaseIDs {
			ids[i] = id.String()
		}
		filter.Must = append(filter.Must, qdrant.NewMatchKeywords("database_id", ids...))
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(defaultTopK(opts.TopK))),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts.MinScore > 0 {
		req.ScoreThreshold = qdrant.PtrOf(float32(opts.MinScore))
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		r, err := resultFromPayload(p.GetId().GetUuid(), p.GetPayload())
		if err != nil {
			return nil, err
		}
		r.Score = float64(p.GetScore())
		results = append(results, r)
	}
	return results, nil
}

func resultFromPayload(pointID string, payload map[string]*qdrant.Value) (SearchResult, error) {
	var r SearchResult
	var err error
	if r.ChunkID, err = uuid.Parse(pointID); err != nil {
		return r, fmt.Errorf("parse point id %q: %w", pointID, err)
	}
	if r.DataSourceID, err = uuid.Parse(payload["data_source_id"].GetStringValue()); err != nil {
		return r, fmt.Errorf("point %s: parse data_source_id: %w", pointID, err)
	}
	if r.DatabaseID, err = uuid.Parse(payload["database_id"].GetStringValue()); err != nil {
		return r, fmt.Errorf("point %s: parse database_id: %w", pointID, err)
	}
	r.Content = payload["content"].GetStringValue()
	r.Sequence = int(payload["sequence"].GetIntegerValue())
	r.RecordIndex = int(payload["record_index"].GetIntegerValue())
	r.TokenCount = int(payload["token_count"].GetIntegerValue())
	r.SourceName = payload["source_name"].GetStringValue()
	r.SourceType = payload["source_type"].GetStringValue()
	for k, v := range payload {
		if name, ok := strings.CutPrefix(k, "meta_"); ok {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[name] = v.GetStringValue()
		}
	}
	return r, nil
}

func (s *QdrantStore) Delete(ctx context.Context, filter DeleteFilter) error {
	if err := filter.validate(); err != nil {
		return err
	}

	must := []*qdrant.Condition{qdrant.NewMatch("business_id", filter.BusinessID.String())}
	if filter.DataSourceID != uuid.Nil {
		must = append(must, qdrant.NewMatch("data_source_id", filter.DataSourceID.String()))
	} else {
		must = append(must, qdrant.NewMatch("database_id", filter.DatabaseID.String()))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: must}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (s *QdrantStore) DeleteByIDs(ctx context.Context, businessID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}
	// Point ids are global; the business filter keeps a foreign id from
	// touching another tenant's points.
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("business_id", businessID.String()),
				qdrant.NewHasID(pointIDs...),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete by id: %w", err)
	}
	return nil
}

func parseHostPort(addr string, defaultHost string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultHost, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
