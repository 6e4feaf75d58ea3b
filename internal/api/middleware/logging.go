package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/audit"
	"github.com/nikhilbhutani/dataintegration/internal/business"
)

type requestInfo struct {
	businessID uuid.UUID
}

type requestInfoKey struct{}

// Logging writes one structured line per request once it completes.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{}
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
			"remote_ip", r.RemoteAddr,
		}
		if info.businessID != uuid.Nil {
			attrs = append(attrs, "business_id", info.businessID)
		}
		level := slog.LevelInfo
		switch {
		case ww.Status() >= 500:
			level = slog.LevelError
		case ww.Status() >= 400:
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// TagBusiness adds the authenticated business to the request log line. It
// runs after authentication.
func TagBusiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.businessID = business.IDFromContext(r.Context())
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP records the caller's address for audit entries. It runs after
// chi's RealIP.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithIP(r.Context(), r.RemoteAddr)))
	})
}
