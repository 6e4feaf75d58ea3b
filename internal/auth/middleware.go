// Package auth resolves the calling business, and optionally the calling
// voice agent, from a bearer JWT or an API key.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/business"
)

// Claims identify a business. Tokens issued to a voice agent also carry
// the agent id.
type Claims struct {
	BusinessID string `json:"business_id"`
	AgentID    string `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

type JWTMiddleware struct {
	secret []byte
}

func NewJWTMiddleware(secret string) *JWTMiddleware {
	return &JWTMiddleware{secret: []byte(secret)}
}

// Authenticate accepts a request already authenticated by an API key, and
// otherwise requires a valid bearer token.
func (m *JWTMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if business.IDFromContext(r.Context()) != uuid.Nil {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := m.Parse(tokenStr)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}

		businessID, err := uuid.Parse(claims.BusinessID)
		if err != nil || businessID == uuid.Nil {
			writeError(w, http.StatusUnauthorized, "invalid business ID in token")
			return
		}

		ctx := business.WithBusiness(r.Context(), businessID)
		if claims.AgentID != "" {
			agentID, err := uuid.Parse(claims.AgentID)
			if err != nil || agentID == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "invalid agent ID in token")
				return
			}
			ctx = business.WithAgent(ctx, agentID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *JWTMiddleware) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// SignToken issues an HS256 token for a business, or for one of its agents
// when agentID is not uuid.Nil.
func SignToken(secret string, businessID, agentID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		BusinessID: businessID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if agentID != uuid.Nil {
		claims.AgentID = agentID.String()
		claims.Subject = agentID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireBusiness rejects agent credentials; only the business itself may
// manage its data.
func RequireBusiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if business.IDFromContext(r.Context()) == uuid.Nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if _, isAgent := business.AgentFromContext(r.Context()); isAgent {
			writeError(w, http.StatusUnauthorized, "agent credentials cannot access this endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := business.AgentFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "agent credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
