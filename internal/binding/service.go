// Package binding grants external voice agents query access to databases.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/dataintegration/internal/agents"
	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/models"
)

// DatabaseOwner checks that a database belongs to a business.
type DatabaseOwner interface {
	Owned(ctx context.Context, businessID, databaseID uuid.UUID) error
}

type Service struct {
	db        *pgxpool.Pool
	databases DatabaseOwner
	directory agents.Directory
	audit     audit.Logger
}

func NewService(db *pgxpool.Pool, databases DatabaseOwner, directory agents.Directory, al audit.Logger) *Service {
	if al == nil {
		al = audit.Nop{}
	}
	return &Service{db: db, databases: databases, directory: directory, audit: al}
}

const bindingColumns = `id, agent_id, database_id, business_id, binding_config, is_active, created_at, updated_at`

func scanBinding(row pgx.Row) (*models.AgentBinding, error) {
	var b models.AgentBinding
	if err := row.Scan(&b.ID, &b.AgentID, &b.DatabaseID, &b.BusinessID, &b.BindingConfig,
		&b.IsActive, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// ParseAgentID validates an externally supplied agent id.
func ParseAgentID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, apperr.Validation("agent_id", "must be a UUID")
	}
	return id, nil
}

func normalizeConfig(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apperr.Validation("binding_config", "must be a JSON object")
	}
	return raw, nil
}

// Bind grants agentID access to databaseID. An active binding for the pair
// is returned unchanged; an inactive one is reactivated with config. created
// reports whether a new row was inserted.
func (s *Service) Bind(ctx context.Context, businessID, databaseID uuid.UUID, agentID string, config json.RawMessage) (b *models.AgentBinding, created bool, err error) {
	agent, err := ParseAgentID(agentID)
	if err != nil {
		return nil, false, err
	}
	if config, err = normalizeConfig(config); err != nil {
		return nil, false, err
	}
	if err := s.databases.Owned(ctx, businessID, databaseID); err != nil {
		return nil, false, err
	}
	owns, err := s.directory.BusinessOwns(ctx, agent, businessID)
	if err != nil {
		return nil, false, fmt.Errorf("verify agent: %w", err)
	}
	if !owns {
		return nil, false, apperr.NotFound("agent")
	}

	existing, err := s.find(ctx, businessID, agent, databaseID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.IsActive {
			return existing, false, nil
		}
		b, err = scanBinding(s.db.QueryRow(ctx,
			`UPDATE agent_database_bindings SET is_active = true, binding_config = $2, updated_at = now()
			 WHERE id = $1 RETURNING `+bindingColumns,
			existing.ID, config,
		))
		if err != nil {
			return nil, false, fmt.Errorf("reactivate binding: %w", err)
		}
		s.logBind(ctx, b, "reactivated")
		return b, false, nil
	}

	b, err = scanBinding(s.db.QueryRow(ctx,
		`INSERT INTO agent_database_bindings (id, agent_id, database_id, business_id, binding_config, is_active)
		 VALUES ($1, $2, $3, $4, $5, true)
		 ON CONFLICT (agent_id, database_id) DO NOTHING
		 RETURNING `+bindingColumns,
		uuid.New(), agent, databaseID, businessID, config,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a race with a concurrent bind for the same pair.
		existing, err := s.find(ctx, businessID, agent, databaseID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("insert binding: conflicting row vanished")
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert binding: %w", err)
	}
	s.logBind(ctx, b, "created")
	return b, true, nil
}

func (s *Service) logBind(ctx context.Context, b *models.AgentBinding, outcome string) {
	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   b.BusinessID,
		Action:       audit.ActionAgentBind,
		ResourceType: "binding",
		ResourceID:   &b.ID,
		Details:      map[string]any{"agent_id": b.AgentID, "database_id": b.DatabaseID, "outcome": outcome},
	})
	slog.Info("agent bound", "binding_id", b.ID, "agent_id", b.AgentID, "database_id", b.DatabaseID, "outcome", outcome)
}

func (s *Service) find(ctx context.Context, businessID, agentID, databaseID uuid.UUID) (*models.AgentBinding, error) {
	b, err := scanBinding(s.db.QueryRow(ctx,
		"SELECT "+bindingColumns+" FROM agent_database_bindings WHERE agent_id = $1 AND database_id = $2 AND business_id = $3",
		agentID, databaseID, businessID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find binding: %w", err)
	}
	return b, nil
}

// Unbind removes a binding permanently.
func (s *Service) Unbind(ctx context.Context, businessID, bindingID uuid.UUID) error {
	var agentID, databaseID uuid.UUID
	err := s.db.QueryRow(ctx,
		"DELETE FROM agent_database_bindings WHERE id = $1 AND business_id = $2 RETURNING agent_id, database_id",
		bindingID, businessID,
	).Scan(&agentID, &databaseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("binding")
	}
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}

	s.audit.Log(ctx, audit.LogEntry{
		BusinessID:   businessID,
		Action:       audit.ActionAgentUnbind,
		ResourceType: "binding",
		ResourceID:   &bindingID,
		Details:      map[string]any{"agent_id": agentID, "database_id": databaseID},
	})
	return nil
}

func (s *Service) List(ctx context.Context, businessID, databaseID uuid.UUID) ([]models.AgentBinding, error) {
	if err := s.databases.Owned(ctx, businessID, databaseID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+bindingColumns+" FROM agent_database_bindings WHERE database_id = $1 AND business_id = $2 ORDER BY created_at",
		databaseID, businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := []models.AgentBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Authorize fails closed: anything but an active binding is Unauthorized.
func (s *Service) Authorize(ctx context.Context, businessID, agentID, databaseID uuid.UUID) error {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM agent_database_bindings
		  WHERE agent_id = $1 AND database_id = $2 AND business_id = $3 AND is_active)`,
		agentID, databaseID, businessID,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("check binding: %w", err)
	}
	if !ok {
		return apperr.Unauthorized("agent is not bound to this database")
	}
	return nil
}

// BoundDatabaseIDs returns the databases the agent holds active bindings on.
func (s *Service) BoundDatabaseIDs(ctx context.Context, businessID, agentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT database_id FROM agent_database_bindings
		 WHERE agent_id = $1 AND business_id = $2 AND is_active ORDER BY created_at`,
		agentID, businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bound databases: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan bound databases: %w", err)
	}
	return ids, nil
}

// BoundDatabases returns the databases visible to the agent.
func (s *Service) BoundDatabases(ctx context.Context, businessID, agentID uuid.UUID) ([]models.Database, error) {
	rows, err := s.db.Query(ctx,
		`SELECT d.id, d.business_id, d.name, d.description, d.schema_definition, d.database_type, d.status, d.created_at, d.updated_at
		 FROM business_databases d
		 JOIN agent_database_bindings b ON b.database_id = d.id
		 WHERE b.agent_id = $1 AND b.business_id = $2 AND d.business_id = $2 AND b.is_active
		 ORDER BY d.name`,
		agentID, businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent databases: %w", err)
	}
	defer rows.Close()

	out := []models.Database{}
	for rows.Next() {
		var d models.Database
		if err := rows.Scan(&d.ID, &d.BusinessID, &d.Name, &d.Description, &d.SchemaDefinition,
			&d.DatabaseType, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan database: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
