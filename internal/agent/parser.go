package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tillerworks/helmsman/internal/gateway"
)

// ParsedAction is the engine-facing interpretation of one model response.
// Exactly one of Call or Answer is meaningful: a parsed tool call, or final
// answer text when the response reads as conclusive.
type ParsedAction struct {
	Thought string
	Call    *ToolCall
	Answer  string
	// Native marks actions parsed from structured function calls; their
	// observations are fed back as tool-role messages instead of user text.
	Native bool
}

// ActionParser extracts a tool call or final answer from a model response.
// Parse returns ok=false when the parser cannot interpret the response.
type ActionParser interface {
	Parse(resp *gateway.Response) (ParsedAction, bool)
}

// NativeParser reads structured function calls from the gateway response.
// It takes precedence over text parsing whenever the model emitted one.
type NativeParser struct{}

func (NativeParser) Parse(resp *gateway.Response) (ParsedAction, bool) {
	if resp == nil || len(resp.FunctionCalls) == 0 {
		return ParsedAction{}, false
	}
	// One tool call per step keeps observation ordering deterministic; extra
	// calls in the same response are dropped and the model re-requests them.
	call := resp.FunctionCalls[0]
	return ParsedAction{
		Thought: strings.TrimSpace(resp.Text),
		Call: &ToolCall{
			ID:   call.ID,
			Name: call.Name,
			Args: json.RawMessage(call.Arguments),
		},
		Native: true,
	}, true
}

var (
	thoughtRe     = regexp.MustCompile(`(?mi)^\s*Thought:\s*(.+)$`)
	actionRe      = regexp.MustCompile(`(?mi)^\s*Action:\s*([\w\-.]+)`)
	actionInputRe = regexp.MustCompile(`(?mi)^\s*Action\s+Input:\s*`)
	finalAnswerRe = regexp.MustCompile(`(?is)Final\s+Answer:\s*(.+)$`)
)

// TextParser extracts ReAct markers (Thought / Action / Action Input /
// Final Answer) from free text. Used when the serving tier has no native
// function calling or the model answered in prose anyway.
type TextParser struct{}

func (TextParser) Parse(resp *gateway.Response) (ParsedAction, bool) {
	if resp == nil {
		return ParsedAction{}, false
	}
	text := resp.Text
	if strings.TrimSpace(text) == "" {
		return ParsedAction{}, false
	}

	var thought string
	if m := thoughtRe.FindStringSubmatch(text); m != nil {
		thought = strings.TrimSpace(m[1])
	}

	if m := actionRe.FindStringSubmatchIndex(text); m != nil {
		name := text[m[2]:m[3]]
		args := extractActionInput(text[m[1]:])
		return ParsedAction{
			Thought: thought,
			Call: &ToolCall{
				Name: name,
				Args: args,
			},
		}, true
	}

	if m := finalAnswerRe.FindStringSubmatch(text); m != nil {
		return ParsedAction{Thought: thought, Answer: strings.TrimSpace(m[1])}, true
	}

	// Plain prose without an Action block is a conclusive answer.
	return ParsedAction{Thought: thought, Answer: strings.TrimSpace(text)}, true
}

// extractActionInput finds the JSON object following an "Action Input:"
// marker using brace-depth scanning, so nested objects and braces inside
// strings are handled. Returns an empty object when no input was given.
func extractActionInput(text string) json.RawMessage {
	loc := actionInputRe.FindStringIndex(text)
	if loc == nil {
		return json.RawMessage(`{}`)
	}
	rest := text[loc[1]:]
	start := strings.IndexByte(rest, '{')
	if start == -1 {
		return json.RawMessage(`{}`)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(rest); i++ {
		c := rest[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := rest[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate)
				}
				return json.RawMessage(`{}`)
			}
		}
	}
	return json.RawMessage(`{}`)
}
