package knowledge

import (
	"context"
	"errors"
	"testing"
)

type fakeEmbeddingClient struct {
	vectors [][]float32
	err     error
}

func (f *fakeEmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors, nil
}

func TestEmbedQuery(t *testing.T) {
	e := NewEmbedder(&fakeEmbeddingClient{vectors: [][]float32{{0.1, 0.2, 0.3}}})
	vec, err := e.EmbedQuery(context.Background(), "berthing fees")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3-dim vector, got %d", len(vec))
	}
}

func TestEmbedQueryErrors(t *testing.T) {
	e := NewEmbedder(&fakeEmbeddingClient{err: errors.New("provider down")})
	if _, err := e.EmbedQuery(context.Background(), "q"); err == nil {
		t.Fatal("expected provider error to surface")
	}

	empty := NewEmbedder(&fakeEmbeddingClient{vectors: [][]float32{}})
	if _, err := empty.EmbedQuery(context.Background(), "q"); err == nil {
		t.Fatal("expected error for empty vector")
	}

	var nilClient *Embedder
	if _, err := nilClient.EmbedQuery(context.Background(), "q"); err == nil {
		t.Fatal("expected error for unconfigured embedder")
	}
}
