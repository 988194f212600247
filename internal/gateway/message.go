package gateway

import (
	"sync"
	"time"
)

// Message is the backend-neutral conversation unit. Both the Gemini and the
// OpenRouter backends convert from this shape, so a chat seeded at one tier
// can be replayed at any other during a fallback walk.
type Message struct {
	Role    string // "user", "assistant", "tool"
	Content string

	// Calls carries the function calls an assistant message issued, so they
	// can be echoed back to the model ahead of their tool results.
	Calls []FunctionCall

	// CallID and Name identify which call a tool-role message answers.
	CallID string
	Name   string
}

// FunctionCall is a structured tool invocation emitted by a model.
type FunctionCall struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// ToolDecl describes one tool to a backend that supports native function
// calling. Parameters is a JSON-schema object.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SendOptions shape a single Send call.
type SendOptions struct {
	SystemPrompt          string
	Tools                 []ToolDecl
	EnableFunctionCalling bool
}

// Response is what a successful Send returns, regardless of which tier
// ultimately served it.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
	ModelName     string
	Tier          Tier
	FinishReason  string
	InputTokens   int
	OutputTokens  int
	Latency       time.Duration

	// Raw is the backend's unmodified response object, for callers that need
	// provider-specific fields the neutral shape drops.
	Raw any
}

// Chat is a conversation handle bound to a tier. The bound tier is where the
// cascade enters; it never prevents a forward fallback. History access is
// serialized so one chat can be shared across goroutines of a single query.
type Chat struct {
	tier Tier

	mu      sync.Mutex
	history []Message
}

// Tier returns the tier the chat was bound to at creation.
func (c *Chat) Tier() Tier {
	return c.tier
}

// History returns a copy of the accumulated messages.
func (c *Chat) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Chat) append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msgs...)
}
