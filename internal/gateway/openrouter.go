package gateway

import (
	"context"
	"errors"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// openRouterBackend is the last-resort tier, served over OpenRouter's
// OpenAI-compatible API. It does not register native tool declarations:
// callers describe tools in the prompt and parse calls from free text.
type openRouterBackend struct {
	client openai.Client
	model  string
}

func newOpenRouterBackend(apiKey, baseURL, model string) *openRouterBackend {
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &openRouterBackend{client: client, model: model}
}

func (o *openRouterBackend) generate(ctx context.Context, history []Message, msg Message, opts SendOptions) (*Response, error) {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(history)+2)
	if opts.SystemPrompt != "" {
		items = append(items, responses.ResponseInputItemParamOfMessage(
			opts.SystemPrompt,
			responses.EasyInputMessageRoleSystem,
		))
	}
	for _, m := range append(history, msg) {
		switch m.Role {
		case "assistant":
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(
					m.Content,
					responses.EasyInputMessageRoleAssistant,
				))
			}
			for _, call := range m.Calls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(
					call.Arguments,
					call.ID,
					call.Name,
				))
			}
		case "tool":
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(
				m.CallID,
				m.Content,
			))
		default:
			if m.Content == "" {
				continue
			}
			items = append(items, responses.ResponseInputItemParamOfMessage(
				m.Content,
				responses.EasyInputMessageRoleUser,
			))
		}
	}

	params := responses.ResponseNewParams{
		Model: o.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: items,
		},
	}

	start := time.Now()
	resp, err := o.client.Responses.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyOpenRouterError(err, o.model)
	}

	return &Response{
		Text:         resp.OutputText(),
		ModelName:    o.model,
		Tier:         TierOpenRouter,
		FinishReason: string(resp.Status),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Latency:      latency,
		Raw:          resp,
	}, nil
}

// classifyOpenRouterError promotes 4xx non-quota API errors to RejectedError
// so the cascade surfaces them instead of walking further.
func classifyOpenRouterError(err error, model string) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		code := apierr.StatusCode
		if code >= 400 && code < 500 && code != 408 && code != 429 {
			return &RejectedError{
				Tier:   TierOpenRouter,
				Model:  model,
				Reason: apierr.Error(),
			}
		}
	}
	return err
}
