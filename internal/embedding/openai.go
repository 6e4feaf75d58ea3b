package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIProvider builds a provider for the OpenAI embeddings API. baseURL
// may point at any OpenAI-compatible endpoint.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if p.model != string(openai.AdaEmbeddingV2) {
		req.Dimensions = p.dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embedding: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
