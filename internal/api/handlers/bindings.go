package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/models"
)

type BindingService interface {
	Bind(ctx context.Context, businessID, databaseID uuid.UUID, agentID string, config json.RawMessage) (*models.AgentBinding, bool, error)
	Unbind(ctx context.Context, businessID, bindingID uuid.UUID) error
	List(ctx context.Context, businessID, databaseID uuid.UUID) ([]models.AgentBinding, error)
	BoundDatabases(ctx context.Context, businessID, agentID uuid.UUID) ([]models.Database, error)
}

type BindingHandler struct {
	svc BindingService
}

func NewBindingHandler(svc BindingService) *BindingHandler {
	return &BindingHandler{svc: svc}
}

type bindRequest struct {
	AgentID       string          `json:"agent_id" validate:"required,uuid"`
	BindingConfig json.RawMessage `json:"binding_config"`
}

func (h *BindingHandler) Bind(w http.ResponseWriter, r *http.Request) {
	databaseID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req bindRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	b, created, err := h.svc.Bind(r.Context(), business.IDFromContext(r.Context()), databaseID, req.AgentID, req.BindingConfig)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, b)
}

func (h *BindingHandler) List(w http.ResponseWriter, r *http.Request) {
	databaseID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	bindings, err := h.svc.List(r.Context(), business.IDFromContext(r.Context()), databaseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": bindings, "count": len(bindings)})
}

func (h *BindingHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Unbind(r.Context(), business.IDFromContext(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AgentDatabases lists the databases the calling agent may search.
func (h *BindingHandler) AgentDatabases(w http.ResponseWriter, r *http.Request) {
	agentID, _ := business.AgentFromContext(r.Context())
	dbs, err := h.svc.BoundDatabases(r.Context(), business.IDFromContext(r.Context()), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"databases": dbs, "count": len(dbs)})
}
