package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillerworks/helmsman/pkg/llm"
)

// Embedder wraps the configured embedding provider for query-time use.
type Embedder struct {
	client llm.EmbeddingClient
}

func NewEmbedder(client llm.EmbeddingClient) *Embedder {
	return &Embedder{client: client}
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if e == nil || e.client == nil {
		return nil, errors.New("embedding client is not configured")
	}
	start := time.Now()
	vectors, err := e.client.Embed(ctx, []string{query})
	embedDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		embedCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}
	embedCallsTotal.WithLabelValues("success").Inc()
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("embedding provider returned an empty vector")
	}
	return vectors[0], nil
}
