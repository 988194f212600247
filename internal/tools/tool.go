package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tillerworks/helmsman/internal/gateway"
)

// Source identifies where an observation came from, for citation purposes.
type Source struct {
	DocumentID string `json:"document_id,omitempty"`
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	Type       string `json:"type"` // "document" or "web"
}

// Observation is the result of one tool execution. A failed execution still
// produces an observation so the reasoning loop can react to the error text.
type Observation struct {
	Content string
	Sources []Source
	Err     error
}

// Tool is a capability the reasoning engine can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args json.RawMessage) Observation
}

// Map is a registry of tools keyed by name.
type Map struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewMap() *Map {
	return &Map{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (m *Map) Register(t Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[t.Name()] = t
}

func (m *Map) Get(name string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations renders the registry as gateway tool declarations for native
// function calling.
func (m *Map) Declarations() []gateway.ToolDecl {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]gateway.ToolDecl, 0, len(names))
	for _, name := range names {
		t := m.tools[name]
		decls = append(decls, gateway.ToolDecl{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return decls
}

// Catalog renders a plain-text description of every tool, used in the system
// prompt for models without native function calling.
func (m *Map) Catalog() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		t := m.tools[name]
		params, _ := json.Marshal(t.Parameters())
		fmt.Fprintf(&b, "- %s: %s\n  Input schema: %s\n", t.Name(), t.Description(), params)
	}
	return b.String()
}
