package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nikhilbhutani/dataintegration/internal/models"
)

// ErrInvalidTransition is returned for a status change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid processing status transition")

// Change is a status transition together with the fields committed with
// it.
type Change struct {
	From    string
	To      string
	Records *int
	Chunks  *int
	Error   *string

	// Metadata replaces the source's metadata when set.
	Metadata *models.SourceMetadata
}

// Transition applies c only if the source is still in c.From. It returns
// the updated source, or nil when the source has moved on or was deleted.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, c Change) (*models.DataSource, error) {
	if !models.CanTransition(c.From, c.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.From, c.To)
	}
	var meta []byte
	if c.Metadata != nil {
		b, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode source metadata: %w", err)
		}
		meta = b
	}

	ds, err := scanSource(s.db.QueryRow(ctx,
		`UPDATE data_sources SET
			processing_status = $2::text,
			progress = CASE $2::text WHEN 'completed' THEN 100 WHEN 'processing' THEN 0 ELSE progress END,
			records_count = COALESCE($3::int, records_count),
			chunks_count = COALESCE($4::int, chunks_count),
			processing_error = CASE WHEN $2::text = 'error' THEN $5::text ELSE NULL END,
			metadata = COALESCE($7::jsonb, metadata),
			started_at = CASE WHEN $2::text = 'processing' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('completed', 'error') THEN now() ELSE completed_at END,
			updated_at = now()
		 WHERE id = $1 AND processing_status = $6::text
		 RETURNING `+sourceColumns,
		id, c.To, c.Records, c.Chunks, c.Error, c.From, meta,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition data source %s -> %s: %w", c.From, c.To, err)
	}

	s.publish(ctx, ds)
	return ds, nil
}

// UpdateProgress records progress of a processing source. It reports false
// when the source is no longer processing.
func (s *Service) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) (bool, error) {
	progress = min(max(progress, 0), 99)
	ds, err := scanSource(s.db.QueryRow(ctx,
		`UPDATE data_sources SET progress = $2, updated_at = now()
		 WHERE id = $1 AND processing_status = 'processing'
		 RETURNING `+sourceColumns,
		id, progress,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	s.publish(ctx, ds)
	return true, nil
}

// Exists reports whether the source row is still present.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM data_sources WHERE id = $1)", id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check data source: %w", err)
	}
	return ok, nil
}

// ReapStale moves sources that have been processing longer than timeout to
// error. It returns how many were reaped.
func (s *Service) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	msg := fmt.Sprintf("processing timed out after %s", timeout)
	rows, err := s.db.Query(ctx,
		`UPDATE data_sources SET
			processing_status = 'error',
			processing_error = $2,
			completed_at = now(),
			updated_at = now()
		 WHERE processing_status = 'processing' AND started_at < $1
		 RETURNING `+sourceColumns,
		time.Now().Add(-timeout), msg,
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale sources: %w", err)
	}
	defer rows.Close()

	var reaped []*models.DataSource
	for rows.Next() {
		ds, err := scanSource(rows)
		if err != nil {
			return 0, fmt.Errorf("scan reaped source: %w", err)
		}
		reaped = append(reaped, ds)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, ds := range reaped {
		if s.canceller != nil {
			s.canceller.Cancel(ctx, ds.ID)
		}
		s.cleanup(ctx, &models.DataSource{ID: ds.ID, BusinessID: ds.BusinessID})
		s.publish(ctx, ds)
		slog.Warn("reaped stale data source", "source_id", ds.ID, "business_id", ds.BusinessID)
	}
	return len(reaped), nil
}

// RedispatchPending hands sources that have been pending for longer than
// age back to the dispatcher. An in-process backlog does not survive a
// restart, so its sources would otherwise never be picked up. Sources that
// are still queued somewhere are claimed once and skipped after that.
func (s *Service) RedispatchPending(ctx context.Context, age time.Duration) (int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, business_id FROM data_sources
		 WHERE processing_status = 'pending' AND created_at <= $1
		 ORDER BY created_at`,
		time.Now().Add(-age),
	)
	if err != nil {
		return 0, fmt.Errorf("list pending sources: %w", err)
	}
	type pending struct{ id, businessID uuid.UUID }
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pending, error) {
		var p pending
		err := row.Scan(&p.id, &p.businessID)
		return p, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan pending source: %w", err)
	}

	dispatched := 0
	for _, p := range found {
		if err := s.dispatcher.Dispatch(ctx, p.id, p.businessID); err != nil {
			slog.Warn("redispatch pending source failed", "source_id", p.id, "error", err)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		slog.Info("redispatched pending sources", "count", dispatched, "found", len(found))
	}
	return dispatched, nil
}

// SourceRef is the part of a visible source that search results carry.
type SourceRef struct {
	ID         uuid.UUID
	DatabaseID uuid.UUID
	Name       string
	SourceType string
}

// Visible returns, among ids, the completed sources owned by the business.
func (s *Service) Visible(ctx context.Context, businessID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]SourceRef, error) {
	out := make(map[uuid.UUID]SourceRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, database_id, name, source_type FROM data_sources
		 WHERE business_id = $1 AND id = ANY($2) AND processing_status = 'completed'`,
		businessID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("load visible sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r SourceRef
		if err := rows.Scan(&r.ID, &r.DatabaseID, &r.Name, &r.SourceType); err != nil {
			return nil, fmt.Errorf("scan visible source: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}
