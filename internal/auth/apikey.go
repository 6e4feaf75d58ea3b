package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/models"
)

// ErrUnknownKey is returned by a KeyStore for a hash it does not hold.
var ErrUnknownKey = errors.New("unknown API key")

type KeyStore interface {
	Lookup(ctx context.Context, hash string) (*models.APIKey, error)
	Touch(ctx context.Context, key *models.APIKey)
}

type PgKeyStore struct {
	db *pgxpool.Pool
}

func NewPgKeyStore(db *pgxpool.Pool) *PgKeyStore {
	return &PgKeyStore{db: db}
}

func (s *PgKeyStore) Lookup(ctx context.Context, hash string) (*models.APIKey, error) {
	var ak models.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, business_id, key_hash, name, last_used_at, expires_at, created_at
		 FROM api_keys WHERE key_hash = $1`, hash,
	).Scan(&ak.ID, &ak.BusinessID, &ak.KeyHash, &ak.Name, &ak.LastUsedAt, &ak.ExpiresAt, &ak.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &ak, nil
}

// Touch records key use without holding up the request.
func (s *PgKeyStore) Touch(ctx context.Context, key *models.APIKey) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.db.Exec(ctx, "UPDATE api_keys SET last_used_at = $1 WHERE id = $2", time.Now(), key.ID); err != nil {
			slog.Warn("update api key last use failed", "key_id", key.ID, "error", err)
		}
	}()
}

type APIKeyMiddleware struct {
	keys       KeyStore
	headerName string
}

func NewAPIKeyMiddleware(keys KeyStore, headerName string) *APIKeyMiddleware {
	return &APIKeyMiddleware{keys: keys, headerName: headerName}
}

// Authenticate resolves an API key header to its business. Requests without
// the header pass through for bearer authentication.
func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(m.headerName)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		hash := HashAPIKey(key)
		ak, err := m.keys.Lookup(r.Context(), hash)
		if errors.Is(err, ErrUnknownKey) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if err != nil {
			slog.Error("api key lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if ak.ExpiresAt != nil && ak.ExpiresAt.Before(time.Now()) {
			writeError(w, http.StatusUnauthorized, "API key expired")
			return
		}

		if subtle.ConstantTimeCompare([]byte(ak.KeyHash), []byte(hash)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		m.keys.Touch(r.Context(), ak)

		ctx := business.WithBusiness(r.Context(), ak.BusinessID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
