package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tillerworks/helmsman/pkg/logging"
	"github.com/tillerworks/helmsman/pkg/search"
)

type staticTool struct {
	name string
}

func (s *staticTool) Name() string               { return s.name }
func (s *staticTool) Description() string        { return "static test tool" }
func (s *staticTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *staticTool) Execute(ctx context.Context, args json.RawMessage) Observation {
	return Observation{Content: "ok"}
}

func TestMapRegisterAndDeclarations(t *testing.T) {
	m := NewMap()
	m.Register(&staticTool{name: "zeta"})
	m.Register(&staticTool{name: "alpha"})

	if _, ok := m.Get("alpha"); !ok {
		t.Fatal("expected alpha to be registered")
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("unexpected tool")
	}

	decls := m.Declarations()
	if len(decls) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(decls))
	}
	if decls[0].Name != "alpha" || decls[1].Name != "zeta" {
		t.Fatalf("expected sorted declarations, got %s, %s", decls[0].Name, decls[1].Name)
	}

	catalog := m.Catalog()
	if !strings.Contains(catalog, "alpha") || !strings.Contains(catalog, "Input schema") {
		t.Fatalf("catalog missing entries: %q", catalog)
	}
}

type fakeSearchProvider struct {
	results []search.Result
	err     error
	queries []string
}

func (f *fakeSearchProvider) Search(ctx context.Context, query string, opts search.SearchOptions) ([]search.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func TestWebSearchToolBuildsSources(t *testing.T) {
	provider := &fakeSearchProvider{results: []search.Result{
		{Title: "Port of Palma notices", URL: "https://example.com/palma", Content: "Harbour closed Tuesday."},
	}}
	tool := NewWebSearchTool(provider, 3, logging.NewLogger())

	obs := tool.Execute(context.Background(), json.RawMessage(`{"query": "palma port notices"}`))
	if obs.Err != nil {
		t.Fatalf("Execute: %v", obs.Err)
	}
	if len(obs.Sources) != 1 || obs.Sources[0].Type != "web" {
		t.Fatalf("unexpected sources: %+v", obs.Sources)
	}
	if !strings.Contains(obs.Content, "Harbour closed Tuesday.") {
		t.Fatalf("content missing snippet: %q", obs.Content)
	}
}

func TestWebSearchToolErrorObservation(t *testing.T) {
	provider := &fakeSearchProvider{err: errors.New("provider down")}
	tool := NewWebSearchTool(provider, 3, logging.NewLogger())

	obs := tool.Execute(context.Background(), json.RawMessage(`{"query": "anything"}`))
	if obs.Err == nil {
		t.Fatal("expected error")
	}
	if obs.Content == "" {
		t.Fatal("error observation must still carry content for the model")
	}
}

func TestWebSearchToolRejectsEmptyQuery(t *testing.T) {
	tool := NewWebSearchTool(&fakeSearchProvider{}, 3, logging.NewLogger())
	obs := tool.Execute(context.Background(), json.RawMessage(`{"query": "  "}`))
	if obs.Err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestWebSearchToolTruncatesLongSnippets(t *testing.T) {
	provider := &fakeSearchProvider{results: []search.Result{
		{Title: "Long", URL: "https://example.com", Content: strings.Repeat("a", maxSnippetLength+50)},
	}}
	tool := NewWebSearchTool(provider, 1, logging.NewLogger())

	obs := tool.Execute(context.Background(), json.RawMessage(`{"query": "anything"}`))
	if obs.Err != nil {
		t.Fatalf("Execute: %v", obs.Err)
	}
	if !strings.Contains(obs.Content, strings.Repeat("a", maxSnippetLength)+"...") {
		t.Error("snippet not truncated")
	}
	if strings.Contains(obs.Content, strings.Repeat("a", maxSnippetLength+1)) {
		t.Error("snippet exceeds limit")
	}
}
