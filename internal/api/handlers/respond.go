package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
)

const maxJSONBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps an error's kind to a status. Internal errors are logged
// and never echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch ae.Kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
		if ae.Field == "file_size" {
			status = http.StatusRequestEntityTooLarge
		}
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindExtraction:
		status = http.StatusUnprocessableEntity
	case apperr.KindExternalService:
		status = http.StatusBadGateway
		slog.Warn("upstream failure", "path", r.URL.Path, "error", err)
	}

	msg := ae.Msg
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Field: ae.Field})
}

// decodeJSON reads a JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return apperr.Validation(typeErr.Field, "has the wrong type")
		}
		return apperr.Validation("body", "invalid JSON")
	}
	return validate(dst)
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(name, "must be a UUID")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name, "must be a non-negative integer")
	}
	return n, nil
}
