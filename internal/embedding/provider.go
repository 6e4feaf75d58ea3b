package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nikhilbhutani/dataintegration/internal/config"
)

// Provider turns a batch of texts into vectors, one per input, in order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIURL, cfg.Model, cfg.Dimensions), nil
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// StatusError is a non-2xx answer from a provider's HTTP API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

// isTransient reports whether a failed provider call may succeed if retried:
// network errors, rate limiting and server errors.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.Code)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
