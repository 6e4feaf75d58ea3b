package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DataSource is an uploaded file imported into a Database.
type DataSource struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	DatabaseID       uuid.UUID  `json:"database_id" db:"database_id"`
	BusinessID       uuid.UUID  `json:"business_id" db:"business_id"`
	Name             string     `json:"name" db:"name"`
	SourceType       string     `json:"source_type" db:"source_type"`
	FilePath         string     `json:"file_path,omitempty" db:"file_path"`
	FileSize         int64      `json:"file_size" db:"file_size"`
	FileHash         string     `json:"file_hash" db:"file_hash"`
	Description      string     `json:"description,omitempty" db:"description"`
	ProcessingStatus string     `json:"processing_status" db:"processing_status"`
	Progress         int        `json:"progress" db:"progress"`
	RecordsCount     int        `json:"records_count" db:"records_count"`
	ChunksCount      int        `json:"chunks_count" db:"chunks_count"`
	ProcessingError  *string    `json:"processing_error,omitempty" db:"processing_error"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`

	// Metadata holds what extraction learned about the file, such as the
	// "columns" of a tabular source.
	Metadata json.RawMessage `json:"metadata" db:"metadata"`
}

// SourceMetadata is the known shape of DataSource.Metadata.
type SourceMetadata struct {
	Columns []string `json:"columns,omitempty"`
}

const (
	SourceStatusPending    = "pending"
	SourceStatusProcessing = "processing"
	SourceStatusCompleted  = "completed"
	SourceStatusError      = "error"
)

var sourceTransitions = map[string][]string{
	SourceStatusPending:    {SourceStatusProcessing, SourceStatusError},
	SourceStatusProcessing: {SourceStatusCompleted, SourceStatusError},
}

// CanTransition reports whether a data source may move from one processing
// status to another. Completed and error are terminal.
func CanTransition(from, to string) bool {
	for _, s := range sourceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return status == SourceStatusCompleted || status == SourceStatusError
}

// ElapsedSinceStarted is how long the source has been processing, or zero
// when processing has not started.
func (s *DataSource) ElapsedSinceStarted(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return end.Sub(*s.StartedAt)
}

// ProcessingStatus is the client view of a source's progress.
type ProcessingStatus struct {
	ID               uuid.UUID  `json:"id"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	RecordsProcessed int        `json:"records_processed"`
	Error            *string    `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds   float64    `json:"elapsed_seconds"`
}

func (s *DataSource) Status(now time.Time) ProcessingStatus {
	progress := 0
	switch s.ProcessingStatus {
	case SourceStatusProcessing:
		progress = s.Progress
	case SourceStatusCompleted:
		progress = 100
	}
	return ProcessingStatus{
		ID:               s.ID,
		Status:           s.ProcessingStatus,
		Progress:         progress,
		RecordsProcessed: s.RecordsCount,
		Error:            s.ProcessingError,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		ElapsedSeconds:   s.ElapsedSinceStarted(now).Seconds(),
	}
}
