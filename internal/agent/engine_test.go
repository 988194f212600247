package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/internal/tools"
	"github.com/tillerworks/helmsman/pkg/logging"
)

// scriptedLLM returns canned responses (or errors) in order and records what
// the engine sent.
type scriptedLLM struct {
	responses []*gateway.Response
	errs      []error
	calls     int
	sent      []gateway.Message
	opts      []gateway.SendOptions
}

func (s *scriptedLLM) CreateChat(ctx context.Context, history []gateway.Message, tier gateway.Tier) (*gateway.Chat, error) {
	return &gateway.Chat{}, nil
}

func (s *scriptedLLM) Send(ctx context.Context, chat *gateway.Chat, message gateway.Message, opts gateway.SendOptions) (*gateway.Response, error) {
	idx := s.calls
	s.calls++
	s.sent = append(s.sent, message)
	s.opts = append(s.opts, opts)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &gateway.Response{Text: "fallback answer"}, nil
}

type scriptedTool struct {
	name     string
	obs      tools.Observation
	executed int
	lastArgs json.RawMessage
}

func (t *scriptedTool) Name() string               { return t.name }
func (t *scriptedTool) Description() string        { return "scripted" }
func (t *scriptedTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *scriptedTool) Execute(ctx context.Context, args json.RawMessage) tools.Observation {
	t.executed++
	t.lastArgs = args
	return t.obs
}

func testEngine(llm LLM, reg *tools.Map, verifier Verifier, maxSteps int) *Engine {
	if reg == nil {
		reg = tools.NewMap()
	}
	return NewEngine(Config{
		LLM:      llm,
		Tools:    reg,
		Verifier: verifier,
		MaxSteps: maxSteps,
		Logger:   logging.NewLogger(),
	})
}

func TestRunDirectAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []*gateway.Response{
		{Text: "Berthing fees are due on the first of each month.", Tier: gateway.TierFlash, ModelName: "flash"},
	}}
	e := testEngine(llm, nil, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "when are berthing fees due?"})
	if out.State.Status != StatusDone {
		t.Fatalf("status = %s, want DONE", out.State.Status)
	}
	if out.Answer != "Berthing fees are due on the first of each month." {
		t.Fatalf("unexpected answer: %q", out.Answer)
	}
	if out.State.StepCount != 1 {
		t.Fatalf("step count = %d, want 1", out.State.StepCount)
	}
	if out.Tier != gateway.TierFlash {
		t.Fatalf("tier = %s, want flash", out.Tier)
	}
}

func TestRunExecutesNativeToolCall(t *testing.T) {
	reg := tools.NewMap()
	tool := &scriptedTool{name: "lookup", obs: tools.Observation{
		Content: "fee schedule: 1200 EUR/month",
		Sources: []tools.Source{{DocumentID: "doc-1", Title: "Fees", Type: "document"}},
	}}
	reg.Register(tool)

	llm := &scriptedLLM{responses: []*gateway.Response{
		{FunctionCalls: []gateway.FunctionCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"fees"}`}}},
		{Text: "The fee is 1200 EUR per month."},
	}}
	e := testEngine(llm, reg, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "fees?"})
	if out.State.Status != StatusDone {
		t.Fatalf("status = %s", out.State.Status)
	}
	if tool.executed != 1 {
		t.Fatalf("tool executed %d times, want 1", tool.executed)
	}
	if len(out.Citations) != 1 || out.Citations[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected citations: %+v", out.Citations)
	}
	// The observation goes back as a tool-role message answering the call.
	second := llm.sent[1]
	if second.Role != "tool" || second.CallID != "call-1" || second.Name != "lookup" {
		t.Fatalf("unexpected follow-up message: %+v", second)
	}
}

func TestRunUnknownToolBecomesObservation(t *testing.T) {
	llm := &scriptedLLM{responses: []*gateway.Response{
		{FunctionCalls: []gateway.FunctionCall{{ID: "c1", Name: "teleport", Arguments: `{}`}}},
		{Text: "done"},
	}}
	e := testEngine(llm, nil, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "q"})
	if out.State.Status != StatusDone {
		t.Fatalf("unknown tool must not abort the loop, status = %s", out.State.Status)
	}
	if len(out.State.Steps) == 0 || !strings.Contains(out.State.Steps[0].Observation, "unknown tool") {
		t.Fatalf("expected structured error observation, got %+v", out.State.Steps)
	}
}

func TestRunTerminatesAtMaxStepsWithForcedSummary(t *testing.T) {
	reg := tools.NewMap()
	reg.Register(&scriptedTool{name: "lookup", obs: tools.Observation{Content: "partial data"}})

	// Every in-loop response requests another tool call; the post-loop
	// summarization call gets the scripted fallback answer.
	loop := &gateway.Response{FunctionCalls: []gateway.FunctionCall{{ID: "c", Name: "lookup", Arguments: `{}`}}}
	llm := &scriptedLLM{responses: []*gateway.Response{loop, loop, loop, {Text: "summary of findings"}}}
	e := testEngine(llm, reg, nil, 3)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "q"})
	if out.State.StepCount != 3 {
		t.Fatalf("step count = %d, want max steps 3", out.State.StepCount)
	}
	if out.Answer != "summary of findings" {
		t.Fatalf("expected forced summary answer, got %q", out.Answer)
	}
	if out.State.Status != StatusDone {
		t.Fatalf("status = %s, want DONE", out.State.Status)
	}
	if llm.calls != 4 {
		t.Fatalf("expected 3 loop calls plus 1 summary call, got %d", llm.calls)
	}
}

func TestRunGatewayFailureProducesBestEffortAnswer(t *testing.T) {
	reg := tools.NewMap()
	reg.Register(&scriptedTool{name: "lookup", obs: tools.Observation{Content: "the marina closes at 22:00"}})

	llm := &scriptedLLM{
		responses: []*gateway.Response{
			{FunctionCalls: []gateway.FunctionCall{{ID: "c", Name: "lookup", Arguments: `{}`}}},
			nil,
		},
		errs: []error{nil, errors.New("all tiers exhausted")},
	}
	e := testEngine(llm, reg, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "q"})
	if out.State.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", out.State.Status)
	}
	if out.Answer == "" {
		t.Fatal("answer must never be empty")
	}
	if !strings.Contains(out.Answer, "the marina closes at 22:00") {
		t.Fatalf("best-effort answer should carry observations, got %q", out.Answer)
	}
}

func TestEarlyExitAfterSufficientDocumentSearch(t *testing.T) {
	reg := tools.NewMap()
	longObs := strings.Repeat("Relevant passage about mooring permits. ", 10)
	reg.Register(&scriptedTool{name: "search_documents", obs: tools.Observation{Content: longObs}})

	llm := &scriptedLLM{responses: []*gateway.Response{
		{FunctionCalls: []gateway.FunctionCall{{ID: "c", Name: "search_documents", Arguments: `{"query":"permits"}`}}},
		{Text: "You need a permit from the harbour office."},
	}}
	e := testEngine(llm, reg, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "permits?"})
	if out.State.Status != StatusDone {
		t.Fatalf("status = %s", out.State.Status)
	}
	// The call after the rich observation must have function calling off.
	if len(llm.opts) < 2 || llm.opts[1].EnableFunctionCalling {
		t.Fatal("expected function calling disabled after early-exit trigger")
	}
}

func TestNativeCallsTakePrecedenceOverActionText(t *testing.T) {
	reg := tools.NewMap()
	tool := &scriptedTool{name: "native_tool", obs: tools.Observation{Content: "ok"}}
	reg.Register(tool)

	llm := &scriptedLLM{responses: []*gateway.Response{
		{
			Text:          "Thought: hmm\nAction: text_tool\nAction Input: {}",
			FunctionCalls: []gateway.FunctionCall{{ID: "c", Name: "native_tool", Arguments: `{}`}},
		},
		{Text: "done"},
	}}
	e := testEngine(llm, reg, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "q"})
	if tool.executed != 1 {
		t.Fatal("expected the native function call to win")
	}
	if out.State.Steps[0].Action.Name != "native_tool" {
		t.Fatalf("executed %s, want native_tool", out.State.Steps[0].Action.Name)
	}
}

func TestTextActionFeedsObservationAsUserMessage(t *testing.T) {
	reg := tools.NewMap()
	tool := &scriptedTool{name: "calculator", obs: tools.Observation{Content: "4"}}
	reg.Register(tool)

	llm := &scriptedLLM{responses: []*gateway.Response{
		{Text: "Thought: simple math\nAction: calculator\nAction Input: {\"expression\": \"2+2\"}"},
		{Text: "Final Answer: it is 4"},
	}}
	e := testEngine(llm, reg, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "2+2?"})
	if out.Answer != "it is 4" {
		t.Fatalf("answer = %q", out.Answer)
	}
	if string(tool.lastArgs) != `{"expression": "2+2"}` {
		t.Fatalf("args = %s", tool.lastArgs)
	}
	second := llm.sent[1]
	if second.Role != "user" || !strings.HasPrefix(second.Content, "Observation: ") {
		t.Fatalf("text-parsed observations go back as user text, got %+v", second)
	}
}

func TestCitationsDeduplicatedAcrossSteps(t *testing.T) {
	reg := tools.NewMap()
	reg.Register(&scriptedTool{name: "lookup", obs: tools.Observation{
		Content: "data",
		Sources: []tools.Source{
			{DocumentID: "doc-1", Title: "Fees", Type: "document"},
			{DocumentID: "doc-2", Title: "Fuel", Type: "document"},
		},
	}})

	call := &gateway.Response{FunctionCalls: []gateway.FunctionCall{{ID: "c", Name: "lookup", Arguments: `{}`}}}
	llm := &scriptedLLM{responses: []*gateway.Response{call, call, {Text: "done"}}}
	e := testEngine(llm, reg, nil, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "q"})
	if len(out.Citations) != 2 {
		t.Fatalf("expected 2 deduplicated citations, got %d: %+v", len(out.Citations), out.Citations)
	}
}

type scriptedVerifier struct {
	results []VerifyResult
	err     error
	calls   int
}

func (v *scriptedVerifier) Verify(ctx context.Context, answer, evidence string) (VerifyResult, error) {
	idx := v.calls
	v.calls++
	if v.err != nil {
		return VerifyResult{}, v.err
	}
	if idx < len(v.results) {
		return v.results[idx], nil
	}
	return VerifyResult{Supported: true}, nil
}

func TestVerificationFailureTriggersOneSelfCorrection(t *testing.T) {
	reg := tools.NewMap()
	reg.Register(&scriptedTool{name: "lookup", obs: tools.Observation{Content: "fees are 1200 EUR"}})

	llm := &scriptedLLM{responses: []*gateway.Response{
		{FunctionCalls: []gateway.FunctionCall{{ID: "c", Name: "lookup", Arguments: `{}`}}},
		{Text: "fees are 9999 EUR"},
		{Text: "fees are 1200 EUR"}, // correction
	}}
	verifier := &scriptedVerifier{results: []VerifyResult{{Supported: false, Reason: "amount not in evidence"}}}
	e := testEngine(llm, reg, verifier, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "fees?"})
	if verifier.calls != 1 {
		t.Fatalf("verifier called %d times, want exactly 1", verifier.calls)
	}
	if out.Answer != "fees are 1200 EUR" {
		t.Fatalf("expected corrected answer, got %q", out.Answer)
	}
	if llm.calls != 3 {
		t.Fatalf("expected exactly one self-correction call, total calls %d", llm.calls)
	}
}

func TestVerifierErrorReturnsUnverifiedDraft(t *testing.T) {
	llm := &scriptedLLM{responses: []*gateway.Response{{Text: "draft answer"}}}
	verifier := &scriptedVerifier{err: errors.New("verifier down")}
	e := testEngine(llm, nil, verifier, 6)

	out := e.Run(context.Background(), Input{Chat: &gateway.Chat{}, Query: "q"})
	if out.Answer != "draft answer" {
		t.Fatalf("expected unverified draft, got %q", out.Answer)
	}
}
