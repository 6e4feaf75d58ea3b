package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/models"
	"github.com/nikhilbhutani/dataintegration/internal/source"
)

type SourceService interface {
	Upload(ctx context.Context, businessID uuid.UUID, in source.UploadInput) (*models.DataSource, error)
	List(ctx context.Context, businessID uuid.UUID, databaseID *uuid.UUID) ([]models.DataSource, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (*models.DataSource, error)
	Status(ctx context.Context, businessID, id uuid.UUID) (*models.ProcessingStatus, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error
}

// multipartOverhead covers form fields and part headers around the file.
const multipartOverhead = 1 << 20

type FileHandler struct {
	svc         SourceService
	maxFileSize int64
}

func NewFileHandler(svc SourceService, maxFileSize int64) *FileHandler {
	return &FileHandler{svc: svc, maxFileSize: maxFileSize}
}

type uploadResponse struct {
	ID       uuid.UUID `json:"id"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Status   string    `json:"status"`
	Message  string    `json:"message"`
}

func (h *FileHandler) tooLarge() error {
	return apperr.Validation("file_size", "exceeds maximum upload size")
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, h.tooLarge())
			return
		}
		writeError(w, r, apperr.Validation("body", "invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Validation("file", "is required"))
		return
	}
	defer file.Close()

	databaseID, err := uuid.Parse(r.FormValue("database_id"))
	if err != nil {
		writeError(w, r, apperr.Validation("database_id", "must be a UUID"))
		return
	}
	if header.Size > h.maxFileSize {
		writeError(w, r, h.tooLarge())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		writeError(w, r, apperr.Validation("file", "could not be read"))
		return
	}

	ds, err := h.svc.Upload(r.Context(), business.IDFromContext(r.Context()), source.UploadInput{
		DatabaseID:  databaseID,
		Filename:    header.Filename,
		Description: r.FormValue("description"),
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{
		ID:       ds.ID,
		Filename: ds.Name,
		Size:     ds.FileSize,
		Status:   ds.ProcessingStatus,
		Message:  "file accepted for processing",
	})
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	var databaseID *uuid.UUID
	if v := r.URL.Query().Get("database_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, apperr.Validation("database_id", "must be a UUID"))
			return
		}
		databaseID = &id
	}

	sources, err := h.svc.List(r.Context(), business.IDFromContext(r.Context()), databaseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources, "count": len(sources)})
}

func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := h.svc.Get(r.Context(), business.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *FileHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.svc.Status(r.Context(), business.IDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
