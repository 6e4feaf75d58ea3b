package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/search"
)

type SearchService interface {
	Search(ctx context.Context, businessID uuid.UUID, req search.Request) (*search.Result, error)
	SearchForAgent(ctx context.Context, businessID, agentID uuid.UUID, req search.Request) (*search.Result, error)
}

type searchRequest struct {
	Query          string     `json:"query" validate:"required,max=2000"`
	DatabaseID     *uuid.UUID `json:"database_id"`
	Limit          int        `json:"limit" validate:"omitempty,min=1,max=50"`
	ScoreThreshold *float64   `json:"score_threshold" validate:"omitnil,min=0,max=1"`
}

func (r searchRequest) toRequest() search.Request {
	return search.Request{
		Query:          r.Query,
		DatabaseID:     r.DatabaseID,
		Limit:          r.Limit,
		ScoreThreshold: r.ScoreThreshold,
	}
}

type SearchHandler struct {
	svc SearchService
}

func NewSearchHandler(svc SearchService) *SearchHandler {
	return &SearchHandler{svc: svc}
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Search(r.Context(), business.IDFromContext(r.Context()), req.toRequest())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AgentSearch serves voice agents; results come only from databases the
// agent is bound to.
func (h *SearchHandler) AgentSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agentID, _ := business.AgentFromContext(r.Context())
	res, err := h.svc.SearchForAgent(r.Context(), business.IDFromContext(r.Context()), agentID, req.toRequest())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
