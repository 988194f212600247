package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// geminiBackend serves the Pro, Flash, and Lite tiers through one shared
// genai client; only the model name differs per tier.
type geminiBackend struct {
	client *genai.Client
}

func newGeminiBackend(ctx context.Context, apiKey string) (*geminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (g *geminiBackend) generate(ctx context.Context, tier Tier, model string, history []Message, msg Message, opts SendOptions) (*Response, error) {
	contents := convertToGenaiContents(append(history, msg))

	cfg := &genai.GenerateContentConfig{}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: opts.SystemPrompt}},
		}
	}
	if opts.EnableFunctionCalling && len(opts.Tools) > 0 {
		cfg.Tools = convertToGenaiTools(opts.Tools)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	if resp.PromptFeedback != nil && string(resp.PromptFeedback.BlockReason) != "" {
		return nil, &RejectedError{
			Tier:   tier,
			Model:  model,
			Reason: "prompt blocked: " + string(resp.PromptFeedback.BlockReason),
		}
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates for model %s", model)
	}

	candidate := resp.Candidates[0]
	finish := string(candidate.FinishReason)
	if isSafetyFinish(finish) {
		return nil, &RejectedError{
			Tier:   tier,
			Model:  model,
			Reason: "generation blocked: " + finish,
		}
	}

	out := &Response{
		ModelName:    model,
		Tier:         tier,
		FinishReason: finish,
		Latency:      latency,
		Raw:          resp,
	}
	if candidate.Content != nil {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.FunctionCalls = append(out.FunctionCalls, FunctionCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
			}
		}
		out.Text = text.String()
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func isSafetyFinish(reason string) bool {
	switch reason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return true
	}
	return false
}

// convertToGenaiContents maps neutral messages to genai contents. Tool
// results become FunctionResponse parts under the user role; prior assistant
// calls are echoed as FunctionCall parts so the call/response pairing the
// API expects is preserved.
func convertToGenaiContents(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		case "assistant":
			var parts []*genai.Part
			for _, call := range msg.Calls {
				var args map[string]any
				_ = json.Unmarshal([]byte(call.Arguments), &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: args,
					},
				})
			}
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		default:
			if msg.Content == "" {
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return contents
}

func convertToGenaiTools(tools []ToolDecl) []*genai.Tool {
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		fd := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if len(t.Parameters) > 0 {
			raw, _ := json.Marshal(t.Parameters)
			var schema genai.Schema
			if err := json.Unmarshal(raw, &schema); err == nil {
				fd.Parameters = &schema
			}
		}
		decls = append(decls, fd)
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
