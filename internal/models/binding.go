package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentBinding authorizes an external agent to query a Database.
type AgentBinding struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	AgentID       uuid.UUID       `json:"agent_id" db:"agent_id"`
	DatabaseID    uuid.UUID       `json:"database_id" db:"database_id"`
	BusinessID    uuid.UUID       `json:"business_id" db:"business_id"`
	BindingConfig json.RawMessage `json:"binding_config" db:"binding_config"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}
