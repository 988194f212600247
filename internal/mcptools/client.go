package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tillerworks/helmsman/internal/tools"
	"github.com/tillerworks/helmsman/pkg/logging"
)

// Client connects to an external MCP server and exposes its tools to the
// reasoning engine alongside the bundled ones.
type Client struct {
	client  *mcp.Client
	session *mcp.ClientSession
	logger  logging.Logger

	mu        sync.RWMutex
	remote    []*remoteTool
	allowlist map[string]struct{}
	denylist  map[string]struct{}
}

// Config configures the MCP client.
type Config struct {
	// ServerURL is the base URL of the MCP endpoint.
	ServerURL string
	// ServiceToken authenticates requests as a bearer token.
	ServiceToken string
	// ToolAllowlist restricts which discovered tools are exposed. Empty
	// means all discovered tools are exposed.
	ToolAllowlist []string
	// ToolDenylist excludes tools by name and takes precedence over the
	// allowlist. Use it to suppress remote tools the local registry already
	// implements (e.g. search_documents, search_web).
	ToolDenylist []string
	Logger       logging.Logger
}

// New connects to the MCP server and discovers its tools.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("mcptools: ServerURL is required")
	}

	allowlist := make(map[string]struct{}, len(cfg.ToolAllowlist))
	for _, name := range cfg.ToolAllowlist {
		allowlist[name] = struct{}{}
	}
	denylist := make(map[string]struct{}, len(cfg.ToolDenylist))
	for _, name := range cfg.ToolDenylist {
		denylist[name] = struct{}{}
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint: cfg.ServerURL,
		HTTPClient: &http.Client{
			Transport: &authTransport{
				base:         http.DefaultTransport,
				serviceToken: cfg.ServiceToken,
			},
		},
	}

	impl := &mcp.Implementation{
		Name:    "helmsman",
		Version: "1.0.0",
	}
	client := mcp.NewClient(impl, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptools: connect to MCP server: %w", err)
	}

	c := &Client{
		client:    client,
		session:   session,
		logger:    cfg.Logger,
		allowlist: allowlist,
		denylist:  denylist,
	}

	if err := c.refreshTools(ctx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("mcptools: discover tools: %w", err)
	}

	return c, nil
}

// Tools returns the discovered MCP tools, filtered by allow/denylist, in a
// form the local tool registry accepts.
func (c *Client) Tools() []tools.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]tools.Tool, len(c.remote))
	for i, t := range c.remote {
		out[i] = t
	}
	return out
}

// HasTool reports whether the named tool was discovered and exposed.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.remote {
		if t.name == name {
			return true
		}
	}
	return false
}

// Close shuts down the MCP session.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}

	var remote []*remoteTool
	for _, t := range result.Tools {
		if _, denied := c.denylist[t.Name]; denied {
			continue
		}
		if len(c.allowlist) > 0 {
			if _, ok := c.allowlist[t.Name]; !ok {
				continue
			}
		}
		remote = append(remote, &remoteTool{
			client:      c,
			name:        t.Name,
			description: t.Description,
			parameters:  convertInputSchema(t.InputSchema),
		})
	}

	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithField("count", len(remote)).Info("Discovered MCP tools")
	}
	return nil
}

func (c *Client) callTool(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", fmt.Errorf("mcptools: unmarshal arguments for %s: %w", name, err)
		}
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcptools: call %s: %w", name, err)
	}

	if result.IsError {
		text := extractTextContent(result)
		if text != "" {
			return "", fmt.Errorf("mcptools: tool %s returned error: %s", name, text)
		}
		return "", fmt.Errorf("mcptools: tool %s returned error", name)
	}

	return extractTextContent(result), nil
}

// remoteTool adapts one discovered MCP tool to the local Tool interface.
type remoteTool struct {
	client      *Client
	name        string
	description string
	parameters  map[string]any
}

func (t *remoteTool) Name() string               { return t.name }
func (t *remoteTool) Description() string        { return t.description }
func (t *remoteTool) Parameters() map[string]any { return t.parameters }

func (t *remoteTool) Execute(ctx context.Context, args json.RawMessage) tools.Observation {
	text, err := t.client.callTool(ctx, t.name, args)
	if err != nil {
		return tools.Observation{Content: fmt.Sprintf("tool %s failed: %v", t.name, err), Err: err}
	}
	return tools.Observation{Content: text}
}

// convertInputSchema converts the MCP SDK's InputSchema (any) to the
// map[string]any format used by Tool.Parameters.
func convertInputSchema(schema any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	// Fallback: round-trip through JSON for unexpected types.
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}

// extractTextContent joins all TextContent entries from a CallToolResult.
func extractTextContent(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// authTransport injects the service token into each HTTP request.
type authTransport struct {
	base         http.RoundTripper
	serviceToken string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.serviceToken)
	}
	return t.base.RoundTrip(req)
}
