// Package source manages uploaded data sources and their processing status.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/database"
	"github.com/nikhilbhutani/dataintegration/internal/events"
	"github.com/nikhilbhutani/dataintegration/internal/models"
	"github.com/nikhilbhutani/dataintegration/internal/storage"
	"github.com/nikhilbhutani/dataintegration/internal/vectorstore"
	"github.com/nikhilbhutani/dataintegration/pkg/textextract"
)

// Dispatcher schedules asynchronous processing of a pending source.
type Dispatcher interface {
	Dispatch(ctx context.Context, sourceID, businessID uuid.UUID) error
}

// Canceller stops in-flight processing of a source.
type Canceller interface {
	Cancel(ctx context.Context, sourceID uuid.UUID)
}

type Service struct {
	db          *pgxpool.Pool
	store       storage.Storage
	vectors     vectorstore.VectorStore
	dispatcher  Dispatcher
	canceller   Canceller
	audit       audit.Logger
	events      events.Publisher
	maxFileSize int64
}

type Deps struct {
	Storage     storage.Storage
	Vectors     vectorstore.VectorStore
	Dispatcher  Dispatcher
	Canceller   Canceller
	Audit       audit.Logger
	Events      events.Publisher
	MaxFileSize int64
}

func NewService(db *pgxpool.Pool, deps Deps) *Service {
	s := &Service{
		db:          db,
		store:       deps.Storage,
		vectors:     deps.Vectors,
		dispatcher:  deps.Dispatcher,
		canceller:   deps.Canceller,
		audit:       deps.Audit,
		events:      deps.Events,
		maxFileSize: deps.MaxFileSize,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	return s
}

// SetDispatcher wires the dispatcher after construction; the in-process
// pool needs the service before it can be built.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

const sourceColumns = `id, database_id, business_id, name, source_type, file_path, file_size, file_hash,
	description, processing_status, progress, records_count, chunks_count, processing_error,
	started_at, completed_at, created_at, updated_at, metadata`

func scanSource(row pgx.Row) (*models.DataSource, error) {
	var ds models.DataSource
	err := row.Scan(&ds.ID, &ds.DatabaseID, &ds.BusinessID, &ds.Name, &ds.SourceType, &ds.FilePath,
		&ds.FileSize, &ds.FileHash, &ds.Description, &ds.ProcessingStatus, &ds.Progress,
		&ds.RecordsCount, &ds.ChunksCount, &ds.ProcessingError, &ds.StartedAt, &ds.CompletedAt,
		&ds.CreatedAt, &ds.UpdatedAt, &ds.Metadata)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

type UploadInput struct {
	DatabaseID  uuid.UUID
	Filename    string
	Description string
	ContentType string
	Data        []byte
}

// Upload validates and stores a file, records it as a pending data source
// and dispatches processing.
func (s *Service) Upload(ctx context.Context, businessID uuid.UUID, in UploadInput) (*models.DataSource, error) {
	filename := cleanFilename(in.Filename)
	if err := textextract.Validate(filename, int64(len(in.Data)), s.maxFileSize); err != nil {
		return nil, err
	}

	var owned bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM business_databases WHERE id = $1 AND business_id = $2)",
		in.DatabaseID, businessID,
	).Scan(&owned)
	if err != nil {
		return nil, fmt.Errorf("check database: %w", err)
	}
	if !owned {
		return nil, apperr.NotFound("database")
	}

	sum := sha256.Sum256(in.Data)
	hash := hex.EncodeToString(sum[:])

	var dup bool
	err = s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM data_sources WHERE database_id = $1 AND file_hash = $2)",
		in.DatabaseID, hash,
	).Scan(&dup)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if dup {
		return nil, apperr.Conflict("file already uploaded")
	}

	id := uuid.New()
	key := path.Join(businessID.String(), id.String(), filename)
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Upload(ctx, key, bytes.NewReader(in.Data), int64(len(in.Data)), contentType); err != nil {
		return nil, apperr.ExternalService("file storage", err)
	}

	ds, err := scanSource(s.db.QueryRow(ctx,
		`INSERT INTO data_sources (id, database_id, business_id, name, source_type, file_path, file_size, file_hash, description, processing_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+sourceColumns,
		id, in.DatabaseID, businessID, filename, textextract.FileType(filename), key,
		int64(len(in.Data)), hash, in.Description, models.SourceStatusPending,
	))
	if err != nil {
		if delErr := s.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			slog.Warn("remove orphaned upload failed", "path", key, "error", delErr)
		}
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("file already uploaded")
		}
		return nil, fmt.Errorf("insert data source: %w", err)
	}

	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   businessID,
		Action:       audit.ActionSourceUpload,
		ResourceType: "data_source",
		ResourceID:   &ds.ID,
		Details:      map[string]any{"name": ds.Name, "database_id": ds.DatabaseID, "size": ds.FileSize},
	})
	s.publish(ctx, ds)

	if err := s.dispatcher.Dispatch(ctx, ds.ID, businessID); err != nil {
		msg := "dispatch processing: " + err.Error()
		if failed, terr := s.Transition(context.WithoutCancel(ctx), ds.ID, Change{From: models.SourceStatusPending, To: models.SourceStatusError, Error: &msg}); terr == nil && failed != nil {
			ds = failed
		}
		return ds, apperr.ExternalService("task queue", err)
	}

	slog.Info("data source uploaded",
		"source_id", ds.ID,
		"business_id", businessID,
		"database_id", ds.DatabaseID,
		"size", ds.FileSize,
	)
	return ds, nil
}

// cleanFilename keeps only the base name so a client cannot choose the
// storage path.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func (s *Service) Get(ctx context.Context, businessID, id uuid.UUID) (*models.DataSource, error) {
	ds, err := scanSource(s.db.QueryRow(ctx,
		"SELECT "+sourceColumns+" FROM data_sources WHERE id = $1 AND business_id = $2",
		id, businessID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("data source")
	}
	if err != nil {
		return nil, fmt.Errorf("get data source: %w", err)
	}
	return ds, nil
}

// List returns the business's sources, newest first, optionally limited to
// one database.
func (s *Service) List(ctx context.Context, businessID uuid.UUID, databaseID *uuid.UUID) ([]models.DataSource, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+sourceColumns+` FROM data_sources
		 WHERE business_id = $1 AND ($2::uuid IS NULL OR database_id = $2)
		 ORDER BY created_at DESC`,
		businessID, databaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	out := []models.DataSource{}
	for rows.Next() {
		ds, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		out = append(out, *ds)
	}
	return out, rows.Err()
}

func (s *Service) Status(ctx context.Context, businessID, id uuid.UUID) (*models.ProcessingStatus, error) {
	ds, err := s.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	st := ds.Status(time.Now())
	return &st, nil
}

// Delete removes a source. Its row goes first so searches stop returning
// its chunks before the vectors are removed.
func (s *Service) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	ds, err := s.Get(ctx, businessID, id)
	if err != nil {
		return err
	}

	if s.canceller != nil && !models.IsTerminal(ds.ProcessingStatus) {
		s.canceller.Cancel(ctx, ds.ID)
	}

	tag, err := s.db.Exec(ctx, "DELETE FROM data_sources WHERE id = $1 AND business_id = $2", id, businessID)
	if err != nil {
		return fmt.Errorf("delete data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("data source")
	}

	s.cleanup(context.WithoutCancel(ctx), ds)

	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   businessID,
		Action:       audit.ActionSourceDelete,
		ResourceType: "data_source",
		ResourceID:   &ds.ID,
		Details:      map[string]any{"name": ds.Name, "database_id": ds.DatabaseID},
	})
	s.events.Publish(ctx, events.Event{
		Type:       events.TypeSourceDeleted,
		BusinessID: businessID,
		DatabaseID: ds.DatabaseID,
		SourceID:   ds.ID,
	})
	return nil
}

// cleanup removes the vectors and stored file of an already deleted source.
// Leftovers are invisible to search and only logged.
func (s *Service) cleanup(ctx context.Context, ds *models.DataSource) {
	if err := s.vectors.Delete(ctx, vectorstore.DeleteFilter{BusinessID: ds.BusinessID, DataSourceID: ds.ID}); err != nil {
		slog.Error("delete source vectors failed", "source_id", ds.ID, "error", err)
	}
	if ds.FilePath != "" {
		if err := s.store.Delete(ctx, ds.FilePath); err != nil {
			slog.Warn("delete stored file failed", "source_id", ds.ID, "path", ds.FilePath, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, ds *models.DataSource) {
	e := events.Event{
		Type:       events.TypeSourceStatus,
		BusinessID: ds.BusinessID,
		DatabaseID: ds.DatabaseID,
		SourceID:   ds.ID,
		Status:     ds.ProcessingStatus,
		Progress:   ds.Status(time.Now()).Progress,
	}
	if ds.ProcessingError != nil {
		e.Error = *ds.ProcessingError
	}
	s.events.Publish(ctx, e)
}
