package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Database is a business-owned logical container for data sources.
type Database struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	BusinessID       uuid.UUID       `json:"business_id" db:"business_id"`
	Name             string          `json:"name" db:"name"`
	Description      string          `json:"description" db:"description"`
	SchemaDefinition json.RawMessage `json:"schema_definition" db:"schema_definition"`
	DatabaseType     string          `json:"database_type" db:"database_type"`
	Status           string          `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

const (
	DatabaseStatusPending = "pending"
	DatabaseStatusActive  = "active"
	DatabaseStatusError   = "error"
)

const DatabaseTypeInternal = "internal"

// DatabaseSchema describes a database: one table per data source, plus the
// relationships, indexes and constraints of its schema definition.
type DatabaseSchema struct {
	DatabaseID    uuid.UUID         `json:"database_id"`
	DatabaseName  string            `json:"database_name"`
	Tables        []SchemaTable     `json:"tables"`
	Relationships []json.RawMessage `json:"relationships"`
	Indexes       []json.RawMessage `json:"indexes"`
	Constraints   []json.RawMessage `json:"constraints"`
}

// SchemaTable is a data source seen as a table. Columns is the header row of
// a tabular file and empty for other formats.
type SchemaTable struct {
	Name             string          `json:"name"`
	SourceType       string          `json:"source_type"`
	ProcessingStatus string          `json:"processing_status"`
	RecordsCount     int             `json:"records_count"`
	Columns          []string        `json:"columns"`
	Metadata         json.RawMessage `json:"metadata"`
}

type DatabaseStats struct {
	DatabaseID    uuid.UUID `json:"database_id"`
	DataSources   int       `json:"data_sources"`
	Completed     int       `json:"completed_sources"`
	Records       int       `json:"records"`
	Chunks        int       `json:"chunks"`
	AgentBindings int       `json:"agent_bindings"`
	Tables        int       `json:"tables"`
}
