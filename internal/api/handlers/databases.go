package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/catalog"
	"github.com/nikhilbhutani/dataintegration/internal/models"
)

type DatabaseService interface {
	Create(ctx context.Context, businessID uuid.UUID, in catalog.CreateInput) (*models.Database, error)
	List(ctx context.Context, businessID uuid.UUID) ([]models.Database, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (*models.Database, error)
	Update(ctx context.Context, businessID, id uuid.UUID, in catalog.UpdateInput) (*models.Database, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error
	Schema(ctx context.Context, businessID, id uuid.UUID) (*models.DatabaseSchema, error)
	Stats(ctx context.Context, businessID, id uuid.UUID) (*models.DatabaseStats, error)
}

type DatabaseHandler struct {
	svc     DatabaseService
	sources SourceService
}

func NewDatabaseHandler(svc DatabaseService, sources SourceService) *DatabaseHandler {
	return &DatabaseHandler{svc: svc, sources: sources}
}

type createDatabaseRequest struct {
	Name             string          `json:"name" validate:"required,dbname"`
	Description      string          `json:"description" validate:"max=2000"`
	SchemaDefinition json.RawMessage `json:"schema_definition"`
	DatabaseType     string          `json:"database_type" validate:"omitempty,oneof=internal"`
}

func (h *DatabaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	db, err := h.svc.Create(r.Context(), business.IDFromContext(r.Context()), catalog.CreateInput{
		Name:             req.Name,
		Description:      req.Description,
		SchemaDefinition: req.SchemaDefinition,
		DatabaseType:     req.DatabaseType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, db)
}

func (h *DatabaseHandler) List(w http.ResponseWriter, r *http.Request) {
	dbs, err := h.svc.List(r.Context(), business.IDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"databases": dbs, "count": len(dbs)})
}

func (h *DatabaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	db, err := h.svc.Get(r.Context(), business.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

type updateDatabaseRequest struct {
	Name             *string         `json:"name" validate:"omitnil,dbname"`
	Description      *string         `json:"description" validate:"omitnil,max=2000"`
	SchemaDefinition json.RawMessage `json:"schema_definition"`
}

func (h *DatabaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateDatabaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	db, err := h.svc.Update(r.Context(), business.IDFromContext(r.Context()), id, catalog.UpdateInput{
		Name:             req.Name,
		Description:      req.Description,
		SchemaDefinition: req.SchemaDefinition,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (h *DatabaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Delete(r.Context(), business.IDFromContext(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *DatabaseHandler) Schema(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	schema, err := h.svc.Schema(r.Context(), business.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *DatabaseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.svc.Stats(r.Context(), business.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Sources lists the data sources of one database.
func (h *DatabaseHandler) Sources(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	businessID := business.IDFromContext(ctx)
	if _, err := h.svc.Get(ctx, businessID, id); err != nil {
		writeError(w, r, err)
		return
	}
	sources, err := h.sources.List(ctx, businessID, &id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources, "count": len(sources)})
}
