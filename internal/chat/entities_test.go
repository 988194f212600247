package chat

import (
	"context"
	"testing"

	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/pkg/logging"
)

// scriptedLite plays back canned responses for Lite-tier utility calls.
type scriptedLite struct {
	responses []*gateway.Response
	errs      []error
	calls     int
	sent      []gateway.Message
	tiers     []gateway.Tier
}

func (s *scriptedLite) CreateChat(_ context.Context, _ []gateway.Message, tier gateway.Tier) (*gateway.Chat, error) {
	s.tiers = append(s.tiers, tier)
	return &gateway.Chat{}, nil
}

func (s *scriptedLite) Send(_ context.Context, _ *gateway.Chat, message gateway.Message, _ gateway.SendOptions) (*gateway.Response, error) {
	idx := s.calls
	s.calls++
	s.sent = append(s.sent, message)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &gateway.Response{}, nil
}

func TestExtractNameAndCity(t *testing.T) {
	e := NewEntityExtractor(nil, logging.NewLogger())

	facts := e.Extract(nil, "My name is Marco and I'm from Milan")

	if facts[FactName] != "Marco" {
		t.Fatalf("expected name Marco, got %q", facts[FactName])
	}
	if facts[FactCity] != "Milan" {
		t.Fatalf("expected city Milan, got %q", facts[FactCity])
	}
}

func TestExtractBudgetAndPreferences(t *testing.T) {
	e := NewEntityExtractor(nil, logging.NewLogger())

	facts := e.Extract(nil, "Our budget is about €45,000 for the week. I prefer catamarans with a full crew.")

	if facts[FactBudget] != "€45,000" {
		t.Fatalf("expected budget €45,000, got %q", facts[FactBudget])
	}
	if facts[FactPreferences] != "catamarans with a full crew" {
		t.Fatalf("expected preferences, got %q", facts[FactPreferences])
	}
}

func TestExtractCurrentTurnOverridesHistory(t *testing.T) {
	e := NewEntityExtractor(nil, logging.NewLogger())
	history := []Message{
		{Role: "user", Content: "My name is Marco"},
		{Role: "assistant", Content: "Welcome aboard, Marco."},
	}

	facts := e.Extract(history, "Actually, call me Luca")

	if facts[FactName] != "Luca" {
		t.Fatalf("expected current turn to win, got %q", facts[FactName])
	}
}

func TestExtractNewerHistoryWins(t *testing.T) {
	e := NewEntityExtractor(nil, logging.NewLogger())
	history := []Message{
		{Role: "user", Content: "I live in Genoa"},
		{Role: "user", Content: "I live in Palma now"},
	}

	facts := e.Extract(history, "What berths are free this weekend?")

	if facts[FactCity] != "Palma" {
		t.Fatalf("expected newest statement to win, got %q", facts[FactCity])
	}
}

func TestExtractIgnoresAssistantMessages(t *testing.T) {
	e := NewEntityExtractor(nil, logging.NewLogger())
	history := []Message{
		{Role: "assistant", Content: "My name is Helmsman, happy to help."},
	}

	facts := e.Extract(history, "hello")

	if _, ok := facts[FactName]; ok {
		t.Fatalf("assistant text must not produce facts, got %q", facts[FactName])
	}
}

func TestEnrichFillsOnlyMissingKeys(t *testing.T) {
	llm := &scriptedLite{responses: []*gateway.Response{
		{Text: `{"name": "Impostor", "city": "Palma", "budget": ""}`},
	}}
	e := NewEntityExtractor(llm, logging.NewLogger())

	facts := map[string]string{FactName: "Marco"}
	e.Enrich(context.Background(), facts, nil, "thinking about a Balearics charter")

	if facts[FactName] != "Marco" {
		t.Fatalf("existing fact overwritten: %q", facts[FactName])
	}
	if facts[FactCity] != "Palma" {
		t.Fatalf("expected enriched city, got %q", facts[FactCity])
	}
	if _, ok := facts[FactBudget]; ok {
		t.Fatalf("empty enrichment value must be dropped")
	}
}

func TestEnrichSurvivesModelFailure(t *testing.T) {
	llm := &scriptedLite{errs: []error{context.DeadlineExceeded}}
	e := NewEntityExtractor(llm, logging.NewLogger())

	facts := map[string]string{FactName: "Marco"}
	e.Enrich(context.Background(), facts, nil, "hello")

	if len(facts) != 1 || facts[FactName] != "Marco" {
		t.Fatalf("facts mutated on failure: %v", facts)
	}
}

func TestEnrichSkipsWhenNothingMissing(t *testing.T) {
	llm := &scriptedLite{}
	e := NewEntityExtractor(llm, logging.NewLogger())

	facts := map[string]string{
		FactName:        "Marco",
		FactCity:        "Milan",
		FactBudget:      "€45,000",
		FactPreferences: "catamarans",
	}
	e.Enrich(context.Background(), facts, nil, "hello")

	if llm.calls != 0 {
		t.Fatalf("expected no model call, got %d", llm.calls)
	}
}

func TestEnrichHandlesFencedJSON(t *testing.T) {
	llm := &scriptedLite{responses: []*gateway.Response{
		{Text: "Here you go:\n```json\n{\"city\": \"Split\"}\n```"},
	}}
	e := NewEntityExtractor(llm, logging.NewLogger())

	facts := map[string]string{}
	e.Enrich(context.Background(), facts, nil, "hello")

	if facts[FactCity] != "Split" {
		t.Fatalf("expected fenced JSON to parse, got %v", facts)
	}
}

func TestFormatFactsStableOrder(t *testing.T) {
	got := FormatFacts(map[string]string{
		FactName: "Marco",
		FactCity: "Milan",
	})
	want := "- city: Milan\n- name: Marco"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if FormatFacts(nil) != "" {
		t.Fatalf("expected empty output for no facts")
	}
}
