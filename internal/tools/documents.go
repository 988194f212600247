package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tillerworks/helmsman/internal/knowledge"
	"github.com/tillerworks/helmsman/pkg/logging"
)

const (
	// overFetchFactor widens retrieval before reranking so the cross-encoder
	// has candidates to promote.
	overFetchFactor    = 3
	maxChunksPerSource = 2
)

// Rewriter rewrites a conversational query into a retrieval-friendly one.
// Implementations must return the original query on failure.
type Rewriter interface {
	Rewrite(ctx context.Context, query string) string
}

// DocumentSearchTool retrieves passages from the knowledge collection via
// embedding search, with optional query rewriting and cross-encoder reranking.
type DocumentSearchTool struct {
	store      *knowledge.Store
	embedder   *knowledge.Embedder
	reranker   *knowledge.Reranker
	rewriter   Rewriter // nil = use the query as-is
	collection string
	limit      int
	logger     logging.Logger
}

func NewDocumentSearchTool(store *knowledge.Store, embedder *knowledge.Embedder, reranker *knowledge.Reranker, rewriter Rewriter, collection string, limit int, logger logging.Logger) *DocumentSearchTool {
	if limit <= 0 {
		limit = 5
	}
	return &DocumentSearchTool{
		store:      store,
		embedder:   embedder,
		reranker:   reranker,
		rewriter:   rewriter,
		collection: collection,
		limit:      limit,
		logger:     logger,
	}
}

func (t *DocumentSearchTool) Name() string { return "search_documents" }

func (t *DocumentSearchTool) Description() string {
	return "Search the internal knowledge base for documentation, policies, and reference material. Use this first for any question about charter operations."
}

func (t *DocumentSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query. Use specific terms from the question.",
			},
		},
		"required": []any{"query"},
	}
}

type documentSearchArgs struct {
	Query string `json:"query"`
}

func (t *DocumentSearchTool) Execute(ctx context.Context, args json.RawMessage) Observation {
	var parsed documentSearchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return Observation{Content: fmt.Sprintf("invalid arguments: %v", err), Err: err}
	}
	query := strings.TrimSpace(parsed.Query)
	if query == "" {
		err := fmt.Errorf("query is required")
		return Observation{Content: "invalid arguments: query is required", Err: err}
	}

	if t.rewriter != nil {
		rewritten := t.rewriter.Rewrite(ctx, query)
		if rewritten != "" && rewritten != query {
			t.logger.WithFields(logging.Fields{
				"original":  query,
				"rewritten": rewritten,
			}).Debug("Rewrote retrieval query")
			query = rewritten
		}
	}

	embedding, err := t.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return Observation{Content: fmt.Sprintf("document search unavailable: %v", err), Err: err}
	}

	chunks, err := t.store.HybridSearch(ctx, t.collection, embedding, query, t.limit*overFetchFactor)
	if err != nil {
		return Observation{Content: fmt.Sprintf("document search failed: %v", err), Err: err}
	}
	if len(chunks) == 0 {
		return Observation{Content: "No matching documents found."}
	}

	chunks = t.reranker.Rerank(ctx, query, chunks)
	chunks = knowledge.DeduplicateByDocument(chunks, t.limit, maxChunksPerSource)

	var b strings.Builder
	sources := make([]Source, 0, len(chunks))
	seen := make(map[string]struct{})
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, chunk.Title, chunk.Text)
		if _, ok := seen[chunk.DocumentID]; ok {
			continue
		}
		seen[chunk.DocumentID] = struct{}{}
		sources = append(sources, Source{
			DocumentID: chunk.DocumentID,
			Title:      chunk.Title,
			URL:        chunk.URL,
			Type:       "document",
		})
	}

	return Observation{Content: strings.TrimSpace(b.String()), Sources: sources}
}
