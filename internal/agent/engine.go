package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/internal/tools"
	"github.com/tillerworks/helmsman/pkg/logging"
)

const (
	defaultMaxSteps = 6

	// earlyExitMinChars is the minimum document-search observation size that
	// lets the engine skip further tool calls and answer directly.
	earlyExitMinChars = 200

	docSearchToolName = "search_documents"
)

// LLM is the slice of the gateway the engine needs.
type LLM interface {
	CreateChat(ctx context.Context, history []gateway.Message, tier gateway.Tier) (*gateway.Chat, error)
	Send(ctx context.Context, chat *gateway.Chat, message gateway.Message, opts gateway.SendOptions) (*gateway.Response, error)
}

// Config configures the reasoning engine.
type Config struct {
	LLM      LLM
	Tools    *tools.Map
	Verifier Verifier // nil disables verification
	MaxSteps int
	Logger   logging.Logger
}

// Engine drives the Thought/Action/Observation loop for one query at a time.
// It is stateless across runs and safe for concurrent use.
type Engine struct {
	llm      LLM
	tools    *tools.Map
	verifier Verifier
	maxSteps int
	logger   logging.Logger
	parsers  []ActionParser
}

func NewEngine(cfg Config) *Engine {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Engine{
		llm:      cfg.LLM,
		tools:    cfg.Tools,
		verifier: cfg.Verifier,
		maxSteps: maxSteps,
		logger:   cfg.Logger,
		parsers:  []ActionParser{NativeParser{}, TextParser{}},
	}
}

// Input is one query to reason over. Chat carries the trimmed history and the
// tier the orchestrator selected.
type Input struct {
	Chat         *gateway.Chat
	Query        string
	SystemPrompt string
	UserEmail    string
}

// Output is the result of a run. Answer is never empty, whatever happened
// mid-loop; Citations are deduplicated by document identifier.
type Output struct {
	State     *State
	Answer    string
	Citations []tools.Source
	ModelName string
	Tier      gateway.Tier

	// Err carries the gateway failure that aborted the loop, when one did.
	// The answer is still best-effort populated.
	Err error
}

// Run executes the reasoning loop until a conclusive answer, the step limit,
// or a gateway failure.
func (e *Engine) Run(ctx context.Context, in Input) Output {
	state := NewState(e.maxSteps)
	out := Output{State: state}
	seen := make(map[string]struct{})

	opts := gateway.SendOptions{
		SystemPrompt:          in.SystemPrompt,
		Tools:                 e.tools.Declarations(),
		EnableFunctionCalling: true,
	}
	next := gateway.Message{Role: "user", Content: in.Query}
	forceAnswer := false

	for state.StepCount < state.MaxSteps && state.Status == StatusRunning {
		if err := ctx.Err(); err != nil {
			// Client went away; stop iterating and salvage what we have.
			state.Status = StatusFailed
			out.Err = err
			break
		}

		sendOpts := opts
		if forceAnswer {
			sendOpts.Tools = nil
			sendOpts.EnableFunctionCalling = false
			sendOpts.SystemPrompt += "\n\nYou have gathered enough information. Answer the question now; do not request more tools."
		} else if state.StepCount == state.MaxSteps-1 {
			sendOpts.SystemPrompt += "\n\nThis is your last reasoning step. Answer the question now with the information already gathered."
		}

		resp, err := e.llm.Send(ctx, in.Chat, next, sendOpts)
		if err != nil {
			e.logger.WithError(err).WithField("step", state.StepCount).Error("Model call failed mid-loop")
			state.Status = StatusFailed
			out.Err = err
			break
		}
		state.StepCount++
		out.ModelName, out.Tier = resp.ModelName, resp.Tier

		action := e.parse(resp)
		if action.Call == nil {
			state.addStep(Step{Thought: action.Thought})
			state.Status = StatusDone
			out.Answer = action.Answer
			break
		}

		obs := e.executeTool(ctx, action.Call)
		state.addStep(Step{
			Thought:     action.Thought,
			Action:      action.Call,
			Observation: obs.Content,
			Sources:     obs.Sources,
		})
		out.Citations = appendCitations(out.Citations, seen, obs.Sources)

		if action.Native {
			next = gateway.Message{
				Role:    "tool",
				Content: obs.Content,
				CallID:  action.Call.ID,
				Name:    action.Call.Name,
			}
		} else {
			next = gateway.Message{Role: "user", Content: "Observation: " + obs.Content}
		}

		if !forceAnswer && action.Call.Name == docSearchToolName && obs.Err == nil && len(obs.Content) >= earlyExitMinChars {
			forceAnswer = true
			earlyExitsTotal.Inc()
		}
	}

	stepsPerRun.Observe(float64(state.StepCount))

	if out.Answer == "" {
		switch state.Status {
		case StatusRunning:
			// Step limit reached without a conclusive answer.
			forcedSummariesTotal.Inc()
			out.Answer = e.forceSummarize(ctx, in, state)
			state.Status = StatusDone
		case StatusFailed:
			out.Answer = bestEffortAnswer(state)
		}
	}
	if out.Answer == "" {
		out.Answer = bestEffortAnswer(state)
	}

	if state.Status == StatusDone && e.verifier != nil {
		out.Answer = e.verifyAnswer(ctx, in, state, out.Answer)
	}

	return out
}

func (e *Engine) parse(resp *gateway.Response) ParsedAction {
	for _, p := range e.parsers {
		if action, ok := p.Parse(resp); ok {
			return action
		}
	}
	// Unparseable response: treat the raw text as the answer.
	return ParsedAction{Answer: strings.TrimSpace(resp.Text)}
}

func (e *Engine) executeTool(ctx context.Context, call *ToolCall) tools.Observation {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		toolExecutionsTotal.WithLabelValues(call.Name, "unknown").Inc()
		return tools.Observation{
			Content: fmt.Sprintf("Error: unknown tool %q. Available tools: %s.", call.Name, strings.Join(e.tools.Names(), ", ")),
		}
	}

	obs := tool.Execute(ctx, call.Args)
	status := "success"
	if obs.Err != nil {
		status = "error"
		e.logger.WithError(obs.Err).WithField("tool", call.Name).Warn("Tool execution failed")
	}
	toolExecutionsTotal.WithLabelValues(call.Name, status).Inc()
	return obs
}

// forceSummarize asks the model to fold the accumulated observations into a
// direct answer. Falls back to a local synthesis when even that call fails.
func (e *Engine) forceSummarize(ctx context.Context, in Input, state *State) string {
	prompt := fmt.Sprintf(
		"Using only the information below, answer the original question directly.\n\nQuestion: %s\n\n%s",
		in.Query, observationLog(state),
	)
	resp, err := e.llm.Send(ctx, in.Chat, gateway.Message{Role: "user", Content: prompt}, gateway.SendOptions{
		SystemPrompt: in.SystemPrompt,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		if err != nil {
			e.logger.WithError(err).Warn("Forced summarization call failed")
		}
		return bestEffortAnswer(state)
	}
	return strings.TrimSpace(resp.Text)
}

func (e *Engine) verifyAnswer(ctx context.Context, in Input, state *State, draft string) string {
	result, err := e.verifier.Verify(ctx, draft, observationLog(state))
	if err != nil {
		verificationsTotal.WithLabelValues("error").Inc()
		e.logger.WithError(err).Warn("Answer verification failed, returning unverified draft")
		return draft
	}
	if result.Supported {
		verificationsTotal.WithLabelValues("passed").Inc()
		return draft
	}
	verificationsTotal.WithLabelValues("failed").Inc()

	// Exactly one self-correction attempt; whatever comes back is final.
	prompt := fmt.Sprintf(
		"Your previous answer was not fully supported by the gathered evidence: %s\nRevise the answer using only facts from the observations above. Reply with the corrected answer only.",
		result.Reason,
	)
	resp, err := e.llm.Send(ctx, in.Chat, gateway.Message{Role: "user", Content: prompt}, gateway.SendOptions{
		SystemPrompt: in.SystemPrompt,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		if err != nil {
			e.logger.WithError(err).Warn("Self-correction call failed, returning original draft")
		}
		return draft
	}
	return strings.TrimSpace(resp.Text)
}

// bestEffortAnswer synthesizes something useful from collected observations
// when no model-generated answer is available.
func bestEffortAnswer(state *State) string {
	log := observationLog(state)
	if log == "" {
		return "I wasn't able to complete the request. Please try again or rephrase the question."
	}
	return "I couldn't finish reasoning about this, but here is what I found:\n\n" + log
}

func observationLog(state *State) string {
	var b strings.Builder
	for _, step := range state.Steps {
		if step.Action == nil || strings.TrimSpace(step.Observation) == "" {
			continue
		}
		fmt.Fprintf(&b, "From %s:\n%s\n\n", step.Action.Name, step.Observation)
	}
	return strings.TrimSpace(b.String())
}

func appendCitations(existing []tools.Source, seen map[string]struct{}, incoming []tools.Source) []tools.Source {
	for _, src := range incoming {
		key := src.DocumentID
		if key == "" {
			key = src.Type + "|" + src.URL + "|" + src.Title
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, src)
	}
	return existing
}
