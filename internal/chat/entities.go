package chat

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/pkg/logging"
)

// Fact keys recognized by the extractor.
const (
	FactName        = "name"
	FactCity        = "city"
	FactBudget      = "budget"
	FactPreferences = "preferences"
)

type entityPattern struct {
	key string
	re  *regexp.Regexp
}

// Deterministic first pass. Each pattern captures the fact value in group 1.
// Within one text, later sentences win over earlier ones for the same key.
// The keyword part is case-insensitive; the capture stays case-sensitive so
// a capitalized-word run stops at lowercase filler ("Marco and ..." → Marco).
var entityPatterns = []entityPattern{
	{FactName, regexp.MustCompile(`\b(?i:my name is)\s+([\p{Lu}][\p{L}'-]*(?:\s[\p{Lu}][\p{L}'-]*)*)`)},
	{FactName, regexp.MustCompile(`\b(?i:call me)\s+([\p{Lu}][\p{L}'-]*)`)},
	{FactCity, regexp.MustCompile(`\b(?i:I(?:'m| am)\s+from)\s+([\p{Lu}][\p{L}'-]*(?:\s[\p{Lu}][\p{L}'-]*)*)`)},
	{FactCity, regexp.MustCompile(`\b(?i:I\s+live\s+in)\s+([\p{Lu}][\p{L}'-]*(?:\s[\p{Lu}][\p{L}'-]*)*)`)},
	{FactCity, regexp.MustCompile(`\b(?i:based\s+in)\s+([\p{Lu}][\p{L}'-]*(?:\s[\p{Lu}][\p{L}'-]*)*)`)},
	{FactBudget, regexp.MustCompile(`(?i)\bbudget\s+(?:is|of)\s+(?:about\s+|around\s+)?([€$£]?\s?\d[\d,.]*\s?(?:k\b|EUR\b|USD\b|GBP\b)?)`)},
	{FactBudget, regexp.MustCompile(`(?i)\b(?:up to|at most|maximum of)\s+([€$£]\s?\d[\d,.]*\s?(?:k\b|EUR\b|USD\b|GBP\b)?)`)},
	{FactPreferences, regexp.MustCompile(`(?i)\bI\s+(?:prefer|would prefer)\s+([^.!?\n]+)`)},
}

// EntityExtractor derives durable facts (name, city, budget, preferences)
// from the trimmed conversation window. History is walked oldest to newest so
// newer statements overwrite older ones; the current turn then overrides any
// history-derived value, with conflicts logged rather than silently dropped.
type EntityExtractor struct {
	llm    LiteLLM // nil disables enrichment
	logger logging.Logger
}

// LiteLLM is the minimal gateway surface used for cheap utility calls.
type LiteLLM interface {
	CreateChat(ctx context.Context, history []gateway.Message, tier gateway.Tier) (*gateway.Chat, error)
	Send(ctx context.Context, chat *gateway.Chat, message gateway.Message, opts gateway.SendOptions) (*gateway.Response, error)
}

func NewEntityExtractor(llm LiteLLM, logger logging.Logger) *EntityExtractor {
	return &EntityExtractor{llm: llm, logger: logger}
}

// Extract runs the deterministic pass over history and the current turn.
func (e *EntityExtractor) Extract(history []Message, currentTurn string) map[string]string {
	facts := make(map[string]string)
	for _, msg := range history {
		if msg.Role != "user" {
			continue
		}
		applyPatterns(facts, msg.Content)
	}

	current := make(map[string]string)
	applyPatterns(current, currentTurn)
	for key, value := range current {
		if prev, ok := facts[key]; ok && !strings.EqualFold(prev, value) {
			e.logger.WithFields(logging.Fields{
				"fact":          key,
				"history_value": prev,
				"current_value": value,
			}).Warn("Current turn overrides history-derived fact")
		}
		facts[key] = value
	}
	return facts
}

func applyPatterns(facts map[string]string, text string) {
	for _, p := range entityPatterns {
		matches := p.re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		// Last occurrence in the text wins.
		value := strings.TrimSpace(matches[len(matches)-1][1])
		if value != "" {
			facts[p.key] = value
		}
	}
}

const enrichSystemPrompt = `Extract durable user facts from the conversation. Reply with a JSON object using only these keys when present: "name", "city", "budget", "preferences". Omit keys you cannot determine. Reply with JSON only.`

// Enrich asks the Lite tier to fill facts the deterministic pass missed.
// Existing keys are never overwritten and any failure leaves facts untouched.
func (e *EntityExtractor) Enrich(ctx context.Context, facts map[string]string, history []Message, currentTurn string) {
	if e.llm == nil {
		return
	}
	missing := missingFactKeys(facts)
	if len(missing) == 0 {
		return
	}

	var b strings.Builder
	for _, msg := range history {
		if msg.Role == "user" || msg.Role == "assistant" {
			b.WriteString(msg.Role + ": " + msg.Content + "\n")
		}
	}
	b.WriteString("user: " + currentTurn + "\n")

	chat, err := e.llm.CreateChat(ctx, nil, gateway.TierLite)
	if err != nil {
		e.logger.WithError(err).Debug("Entity enrichment skipped")
		return
	}
	resp, err := e.llm.Send(ctx, chat, gateway.Message{Role: "user", Content: b.String()}, gateway.SendOptions{
		SystemPrompt: enrichSystemPrompt,
	})
	if err != nil {
		e.logger.WithError(err).Debug("Entity enrichment call failed")
		return
	}

	var extracted map[string]string
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &extracted); err != nil {
		return
	}
	for _, key := range missing {
		if value := strings.TrimSpace(extracted[key]); value != "" {
			facts[key] = value
		}
	}
}

func missingFactKeys(facts map[string]string) []string {
	all := []string{FactName, FactCity, FactBudget, FactPreferences}
	var missing []string
	for _, key := range all {
		if facts[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// extractJSONObject returns the first top-level JSON object in text, for
// models that wrap the object in prose or code fences.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end <= start {
		return "{}"
	}
	return text[start : end+1]
}

// FormatFacts renders facts as prompt lines in a stable order.
func FormatFacts(facts map[string]string) string {
	if len(facts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(facts))
	for key := range facts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString("- " + key + ": " + facts[key] + "\n")
	}
	return strings.TrimSpace(b.String())
}
