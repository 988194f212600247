package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tillerworks/helmsman/pkg/logging"
	"github.com/tillerworks/helmsman/pkg/search"
)

const maxSnippetLength = 600

// WebSearchTool answers questions the knowledge base cannot, by querying the
// configured web search provider.
type WebSearchTool struct {
	provider search.Provider
	limit    int
	logger   logging.Logger
}

func NewWebSearchTool(provider search.Provider, limit int, logger logging.Logger) *WebSearchTool {
	if limit <= 0 {
		limit = 5
	}
	return &WebSearchTool{provider: provider, limit: limit, logger: logger}
}

func (t *WebSearchTool) Name() string { return "search_web" }

func (t *WebSearchTool) Description() string {
	return "Search the public web for current information not covered by internal documentation, such as weather, port notices, or news."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The web search query.",
			},
		},
		"required": []any{"query"},
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) Observation {
	var parsed webSearchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return Observation{Content: fmt.Sprintf("invalid arguments: %v", err), Err: err}
	}
	query := strings.TrimSpace(parsed.Query)
	if query == "" {
		err := fmt.Errorf("query is required")
		return Observation{Content: "invalid arguments: query is required", Err: err}
	}

	results, err := t.provider.Search(ctx, query, search.SearchOptions{Limit: t.limit})
	if err != nil {
		t.logger.WithError(err).Warn("Web search failed")
		return Observation{Content: fmt.Sprintf("web search failed: %v", err), Err: err}
	}
	if len(results) == 0 {
		return Observation{Content: "No web results found."}
	}

	var b strings.Builder
	sources := make([]Source, 0, len(results))
	for i, r := range results {
		snippet := r.Content
		if len(snippet) > maxSnippetLength {
			snippet = snippet[:maxSnippetLength] + "..."
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, snippet)
		sources = append(sources, Source{
			Title: r.Title,
			URL:   r.URL,
			Type:  "web",
		})
	}

	return Observation{Content: strings.TrimSpace(b.String()), Sources: sources}
}
