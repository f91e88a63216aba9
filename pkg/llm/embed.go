package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dennj/agnomerchant/pkg/resilience"
)

// Embed returns the embedding of text at the configured dimensionality.
// Vectors from different embedding models are not comparable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := resilience.Do(ctx, c.breaker, func(ctx context.Context) (openai.EmbeddingResponse, error) {
		return c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      []string{text},
			Model:      c.embedModel,
			Dimensions: c.dims,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("llm embed: %w", err)
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("llm embed: got %d vectors, want 1", len(resp.Data))
	}
	vec := resp.Data[0].Embedding
	if len(vec) != c.dims {
		return nil, fmt.Errorf("llm embed: got %d dims, want %d", len(vec), c.dims)
	}
	return vec, nil
}
