package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/models"
)

type AuditLister interface {
	List(ctx context.Context, businessID uuid.UUID, q audit.Query) ([]models.AuditLog, error)
}

type AuditHandler struct {
	svc AuditLister
}

func NewAuditHandler(svc AuditLister) *AuditHandler {
	return &AuditHandler{svc: svc}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{Action: r.URL.Query().Get("action")}
	var err error
	if q.Limit, err = queryInt(r, "limit", 50); err != nil {
		writeError(w, r, err)
		return
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, r, err)
		return
	}
	for name, dst := range map[string]**time.Time{"start_date": &q.StartDate, "end_date": &q.EndDate} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, apperr.Validation(name, "must be an RFC 3339 timestamp"))
			return
		}
		*dst = &t
	}

	logs, err := h.svc.List(r.Context(), business.IDFromContext(r.Context()), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs, "count": len(logs)})
}
