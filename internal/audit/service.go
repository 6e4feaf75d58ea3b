// Package audit records who changed which database, data source or agent
// binding.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/dataintegration/internal/models"
)

const (
	ActionDatabaseCreate = "database.create"
	ActionDatabaseUpdate = "database.update"
	ActionDatabaseDelete = "database.delete"
	ActionSourceUpload   = "source.upload"
	ActionSourceDelete   = "source.delete"
	ActionAgentBind      = "binding.create"
	ActionAgentUnbind    = "binding.delete"
)

type LogEntry struct {
	BusinessID   uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]any
}

// Logger is what the domain services depend on.
type Logger interface {
	Log(ctx context.Context, entry LogEntry)
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// Log writes entry. Failures are logged and never fail the caller's
// operation.
func (s *Service) Log(ctx context.Context, entry LogEntry) {
	if err := s.insert(ctx, entry); err != nil {
		slog.Warn("audit log write failed",
			"action", entry.Action,
			"business_id", entry.BusinessID,
			"error", err,
		)
	}
}

func (s *Service) insert(ctx context.Context, entry LogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil || entry.Details == nil {
		details = []byte("{}")
	}

	var ip *netip.Addr
	if addr, ok := IPFromContext(ctx); ok {
		ip = &addr
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO audit_logs (id, business_id, action, resource_type, resource_id, details, ip_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), entry.BusinessID, entry.Action, entry.ResourceType, entry.ResourceID, details, ip,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

type Query struct {
	StartDate *time.Time
	EndDate   *time.Time
	Action    string
	Limit     int
	Offset    int
}

func (s *Service) List(ctx context.Context, businessID uuid.UUID, q Query) ([]models.AuditLog, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}

	query := `SELECT id, business_id, action, COALESCE(resource_type, ''), resource_id, details, ip_address, created_at
			  FROM audit_logs WHERE business_id = $1`
	args := []any{businessID}
	argIdx := 2

	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, q.Action)
		argIdx++
	}
	if q.StartDate != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *q.StartDate)
		argIdx++
	}
	if q.EndDate != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *q.EndDate)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []models.AuditLog{}
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.BusinessID, &l.Action, &l.ResourceType, &l.ResourceID, &l.Details, &l.IPAddress, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type ctxKey struct{}

// WithIP attaches the client address to ctx for later audit entries.
func WithIP(ctx context.Context, remoteAddr string) context.Context {
	addr, err := netip.ParseAddrPort(remoteAddr)
	if err == nil {
		return context.WithValue(ctx, ctxKey{}, addr.Addr())
	}
	if ip, err := netip.ParseAddr(remoteAddr); err == nil {
		return context.WithValue(ctx, ctxKey{}, ip)
	}
	return ctx
}

func IPFromContext(ctx context.Context) (netip.Addr, bool) {
	ip, ok := ctx.Value(ctxKey{}).(netip.Addr)
	return ip, ok
}

// Nop discards entries.
type Nop struct{}

func (Nop) Log(context.Context, LogEntry) {}
