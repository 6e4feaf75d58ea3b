// Package catalog manages a business's logical databases.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/database"
	"github.com/nikhilbhutani/dataintegration/internal/models"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidName reports whether name is an acceptable database name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Canceller stops in-flight processing of a source.
type Canceller interface {
	Cancel(ctx context.Context, sourceID uuid.UUID)
}

type Service struct {
	db        *pgxpool.Pool
	vectors   vectorstore.VectorStore
	store     storage.Storage
	canceller Canceller
	audit     audit.Logger
}

func NewService(db *pgxpool.Pool, vectors vectorstore.VectorStore, store storage.Storage, canceller Canceller, al audit.Logger) *Service {
	if al == nil {
		al = audit.Nop{}
	}
	return &Service{db: db, vectors: vectors, store: store, canceller: canceller, audit: al}
}

const databaseColumns = `id, business_id, name, description, schema_definition, database_type, status, created_at, updated_at`

func scanDatabase(row pgx.Row) (*models.Database, error) {
	var d models.Database
	if err := row.Scan(&d.ID, &d.BusinessID, &d.Name, &d.Description, &d.SchemaDefinition,
		&d.DatabaseType, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

type CreateInput struct {
	Name             string
	Description      string
	SchemaDefinition json.RawMessage
	DatabaseType     string
}

func (s *Service) Create(ctx context.Context, businessID uuid.UUID, in CreateInput) (*models.Database, error) {
	in.Name = strings.TrimSpace(in.Name)
	if !ValidName(in.Name) {
		return nil, apperr.Validation("name", "must be 1-255 characters of letters, digits, '-' or '_'")
	}
	schema, err := normalizeSchema(in.SchemaDefinition)
	if err != nil {
		return nil, err
	}
	if in.DatabaseType == "" {
		in.DatabaseType = models.DatabaseTypeInternal
	}

	var d *models.Database
	err = database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		id := uuid.New()
		_, err := tx.Exec(ctx,
			`INSERT INTO business_databases (id, business_id, name, description, schema_definition, database_type, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, businessID, in.Name, in.Description, schema, in.DatabaseType, models.DatabaseStatusPending,
		)
		if err != nil {
			return err
		}
		// The schema is opaque, so it is usable as soon as it is stored.
		d, err = scanDatabase(tx.QueryRow(ctx,
			`UPDATE business_databases SET status = $2, updated_at = now() WHERE id = $1 RETURNING `+databaseColumns,
			id, models.DatabaseStatusActive,
		))
		return err
	})
	if database.IsUniqueViolation(err) {
		return nil, apperr.Conflict("database with this name already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("create database: %w", err)
	}

	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   businessID,
		Action:       audit.ActionDatabaseCreate,
		ResourceType: "database",
		ResourceID:   &d.ID,
		Details:      map[string]any{"name": d.Name},
	})
	slog.Info("database created", "database_id", d.ID, "business_id", businessID)
	return d, nil
}

// normalizeSchema accepts an absent schema or a JSON object and returns it
// verbatim.
func normalizeSchema(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apperr.Validation("schema_definition", "must be a JSON object")
	}
	return raw, nil
}

func (s *Service) List(ctx context.Context, businessID uuid.UUID) ([]models.Database, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+databaseColumns+" FROM business_databases WHERE business_id = $1 ORDER BY created_at DESC",
		businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	out := []models.Database{}
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan database: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Get never tells a foreign database apart from a missing one.
func (s *Service) Get(ctx context.Context, businessID, id uuid.UUID) (*models.Database, error) {
	d, err := scanDatabase(s.db.QueryRow(ctx,
		"SELECT "+databaseColumns+" FROM business_databases WHERE id = $1 AND business_id = $2",
		id, businessID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("database")
	}
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}
	return d, nil
}

// Owned returns NotFound unless the database exists and belongs to the
// business.
func (s *Service) Owned(ctx context.Context, businessID, id uuid.UUID) error {
	var ok bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM business_databases WHERE id = $1 AND business_id = $2)",
		id, businessID,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("check database: %w", err)
	}
	if !ok {
		return apperr.NotFound("database")
	}
	return nil
}

type UpdateInput struct {
	Name             *string
	Description      *string
	SchemaDefinition json.RawMessage
}

func (s *Service) Update(ctx context.Context, businessID, id uuid.UUID, in UpdateInput) (*models.Database, error) {
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if !ValidName(name) {
			return nil, apperr.Validation("name", "must be 1-255 characters of letters, digits, '-' or '_'")
		}
		in.Name = &name
	}
	var schema json.RawMessage
	if len(in.SchemaDefinition) > 0 {
		var err error
		if schema, err = normalizeSchema(in.SchemaDefinition); err != nil {
			return nil, err
		}
	}

	d, err := scanDatabase(s.db.QueryRow(ctx,
		`UPDATE business_databases SET
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			schema_definition = COALESCE($5::jsonb, schema_definition),
			updated_at = now()
		 WHERE id = $1 AND business_id = $2
		 RETURNING `+databaseColumns,
		id, businessID, in.Name, in.Description, schema,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("database")
	}
	if database.IsUniqueViolation(err) {
		return nil, apperr.Conflict("database with this name already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("update database: %w", err)
	}

	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   businessID,
		Action:       audit.ActionDatabaseUpdate,
		ResourceType: "database",
		ResourceID:   &d.ID,
	})
	return d, nil
}

type ownedSource struct {
	id       uuid.UUID
	filePath string
}

// Delete removes a database with its sources, bindings, vectors and stored
// files. Relational rows go first, in one transaction, so searches stop
// seeing the database before its vectors are removed.
func (s *Service) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	var sources []ownedSource
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx,
			"SELECT id FROM business_databases WHERE id = $1 AND business_id = $2 FOR UPDATE",
			id, businessID,
		).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("database")
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			"DELETE FROM data_sources WHERE database_id = $1 AND business_id = $2 RETURNING id, file_path",
			id, businessID,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var src ownedSource
			if err := rows.Scan(&src.id, &src.filePath); err != nil {
				rows.Close()
				return err
			}
			sources = append(sources, src)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, "DELETE FROM agent_database_bindings WHERE database_id = $1 AND business_id = $2", id, businessID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, "DELETE FROM business_databases WHERE id = $1 AND business_id = $2", id, businessID)
		return err
	})
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		return fmt.Errorf("delete database: %w", err)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	for _, src := range sources {
		if s.canceller != nil {
			s.canceller.Cancel(cleanupCtx, src.id)
		}
	}
	if err := s.vectors.Delete(cleanupCtx, vectorstore.DeleteFilter{BusinessID: businessID, DatabaseID: id}); err != nil {
		slog.Error("delete database vectors failed", "database_id", id, "error", err)
	}
	for _, src := range sources {
		if src.filePath == "" {
			continue
		}
		if err := s.store.Delete(cleanupCtx, src.filePath); err != nil {
			slog.Warn("delete stored file failed", "source_id", src.id, "path", src.filePath, "error", err)
		}
	}

	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   businessID,
		Action:       audit.ActionDatabaseDelete,
		ResourceType: "database",
		ResourceID:   &id,
		Details:      map[string]any{"sources_deleted": len(sources)},
	})
	slog.Info("database deleted", "database_id", id, "business_id", businessID, "sources", len(sources))
	return nil
}

// Schema lists the database's data sources as tables alongside the
// relationships, indexes and constraints of its schema definition.
func (s *Service) Schema(ctx context.Context, businessID, id uuid.UUID) (*models.DatabaseSchema, error) {
	d, err := s.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT name, source_type, processing_status, records_count, metadata
		 FROM data_sources WHERE database_id = $1 AND business_id = $2
		 ORDER BY created_at, id`,
		id, businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("list schema tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, scanSchemaTable)
	if err != nil {
		return nil, fmt.Errorf("scan schema table: %w", err)
	}

	def := parseDefinition(d.SchemaDefinition)
	return &models.DatabaseSchema{
		DatabaseID:    d.ID,
		DatabaseName:  d.Name,
		Tables:        tables,
		Relationships: def.Relationships,
		Indexes:       def.Indexes,
		Constraints:   def.Constraints,
	}, nil
}

func scanSchemaTable(row pgx.CollectableRow) (models.SchemaTable, error) {
	var t models.SchemaTable
	if err := row.Scan(&t.Name, &t.SourceType, &t.ProcessingStatus, &t.RecordsCount, &t.Metadata); err != nil {
		return t, err
	}
	t.Columns = columnsOf(t.Metadata)
	return t, nil
}

// columnsOf reads the recorded header columns from source metadata.
func columnsOf(meta json.RawMessage) []string {
	var m models.SourceMetadata
	if err := json.Unmarshal(meta, &m); err != nil || m.Columns == nil {
		return []string{}
	}
	return m.Columns
}

// definition is the structural part of a schema definition.
type definition struct {
	Tables        []json.RawMessage
	Relationships []json.RawMessage
	Indexes       []json.RawMessage
	Constraints   []json.RawMessage
}

// parseDefinition reads the tables, relationships, indexes and constraints
// lists of a schema definition. Missing or malformed keys yield empty lists.
func parseDefinition(def json.RawMessage) definition {
	var out definition
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(def, &obj); err == nil {
		_ = json.Unmarshal(obj["tables"], &out.Tables)
		_ = json.Unmarshal(obj["relationships"], &out.Relationships)
		_ = json.Unmarshal(obj["indexes"], &out.Indexes)
		_ = json.Unmarshal(obj["constraints"], &out.Constraints)
	}
	out.Tables = nonNil(out.Tables)
	out.Relationships = nonNil(out.Relationships)
	out.Indexes = nonNil(out.Indexes)
	out.Constraints = nonNil(out.Constraints)
	return out
}

func nonNil(v []json.RawMessage) []json.RawMessage {
	if v == nil {
		return []json.RawMessage{}
	}
	return v
}

func (s *Service) Stats(ctx context.Context, businessID, id uuid.UUID) (*models.DatabaseStats, error) {
	d, err := s.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}

	st := &models.DatabaseStats{DatabaseID: id, Tables: len(parseDefinition(d.SchemaDefinition).Tables)}
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE processing_status = 'completed'),
		        COALESCE(SUM(records_count) FILTER (WHERE processing_status = 'completed'), 0),
		        COALESCE(SUM(chunks_count) FILTER (WHERE processing_status = 'completed'), 0)
		 FROM data_sources WHERE database_id = $1 AND business_id = $2`,
		id, businessID,
	).Scan(&st.DataSources, &st.Completed, &st.Records, &st.Chunks)
	if err != nil {
		return nil, fmt.Errorf("count sources: %w", err)
	}

	err = s.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM agent_database_bindings WHERE database_id = $1 AND business_id = $2 AND is_active",
		id, businessID,
	).Scan(&st.AgentBindings)
	if err != nil {
		return nil, fmt.Errorf("count bindings: %w", err)
	}
	return st, nil
}
