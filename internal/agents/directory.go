// Package agents answers whether a voice agent belongs to a business. The
// agent registry is owned by another service.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/cache"
)

type Directory interface {
	BusinessOwns(ctx context.Context, agentID, businessID uuid.UUID) (bool, error)
}

// HTTPDirectory looks agents up in the platform's agent service and caches
// the owning business id in Redis.
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
	ttl        time.Duration
}

func NewHTTPDirectory(baseURL string, c *cache.Cache, ttl time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      c,
		ttl:        ttl,
	}
}

type agentRecord struct {
	ID         uuid.UUID `json:"id"`
	BusinessID uuid.UUID `json:"business_id"`
}

func (d *HTTPDirectory) BusinessOwns(ctx context.Context, agentID, businessID uuid.UUID) (bool, error) {
	owner, found, err := d.owner(ctx, agentID)
	if err != nil {
		return false, err
	}
	return found && owner == businessID, nil
}

func (d *HTTPDirectory) owner(ctx context.Context, agentID uuid.UUID) (uuid.UUID, bool, error) {
	key := "agent:" + agentID.String()
	if d.cache != nil {
		var rec agentRecord
		err := d.cache.Get(ctx, key, &rec)
		if err == nil {
			return rec.BusinessID, rec.BusinessID != uuid.Nil, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("agent cache read failed", "agent_id", agentID, "error", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/agents/"+url.PathEscape(agentID.String()), nil)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("create agent request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, false, apperr.ExternalService("agent directory", err)
	}
	defer resp.Body.Close()

	var rec agentRecord
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Cached as a negative entry with a nil owner.
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return uuid.Nil, false, apperr.ExternalService("agent directory",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return uuid.Nil, false, apperr.ExternalService("agent directory", fmt.Errorf("decode agent: %w", err))
		}
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, rec, d.ttl); err != nil {
			slog.Warn("agent cache write failed", "agent_id", agentID, "error", err)
		}
	}
	return rec.BusinessID, rec.BusinessID != uuid.Nil, nil
}

// Unchecked treats every agent as owned by the calling business. It is for
// local development without an agent service and must be enabled with
// AGENT_DIRECTORY_UNCHECKED=true.
type Unchecked struct{}

func NewUnchecked() Unchecked {
	slog.Warn("agent directory not configured; agent ownership is not verified")
	return Unchecked{}
}

func (Unchecked) BusinessOwns(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}
