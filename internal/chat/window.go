package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/pkg/logging"
)

const (
	defaultRecentTurns = 6
	defaultTokenBudget = 6000

	summaryThreshold      = 10
	summaryUpdateInterval = 5
	maxSummaryTokens      = 400
)

// ContextWindowManager fits stored history into the prompt budget. The most
// recent turns always go in verbatim; older turns are folded into a compact
// summary via the Lite tier, or dropped when summarization fails.
type ContextWindowManager struct {
	llm         LiteLLM
	store       *ConversationStore
	logger      logging.Logger
	recentTurns int
	tokenBudget int
}

func NewContextWindowManager(llm LiteLLM, store *ConversationStore, logger logging.Logger, recentTurns, tokenBudget int) *ContextWindowManager {
	if recentTurns <= 0 {
		recentTurns = defaultRecentTurns
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &ContextWindowManager{
		llm:         llm,
		store:       store,
		logger:      logger,
		recentTurns: recentTurns,
		tokenBudget: tokenBudget,
	}
}

// Trim returns the gateway history for the chat plus a synopsis of whatever
// had to be folded away. storedSummary is the rolling summary already on the
// conversation; it seeds the synopsis when more turns need folding.
func (w *ContextWindowManager) Trim(ctx context.Context, messages []Message, storedSummary string) ([]gateway.Message, string) {
	filtered := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		filtered = append(filtered, msg)
	}

	// Recent turns are kept verbatim. Beyond them, keep walking backwards
	// while the budget allows; everything older gets summarized.
	cut := len(filtered) - w.recentTurns
	if cut < 0 {
		cut = 0
	}
	used := 0
	for i := len(filtered) - 1; i >= cut; i-- {
		used += estimateTokens(filtered[i].Content)
	}
	for cut > 0 {
		cost := estimateTokens(filtered[cut-1].Content)
		if used+cost > w.tokenBudget {
			break
		}
		used += cost
		cut--
	}

	kept := filtered[cut:]
	older := filtered[:cut]

	synopsis := strings.TrimSpace(storedSummary)
	if len(older) > 0 {
		if s := w.summarize(ctx, older, synopsis); s != "" {
			synopsis = s
		} else if w.logger != nil {
			w.logger.WithField("dropped_messages", len(older)).Debug("Dropping old turns, summarization unavailable")
		}
	}

	history := make([]gateway.Message, 0, len(kept))
	for _, msg := range kept {
		history = append(history, gateway.Message{Role: msg.Role, Content: msg.Content})
	}
	return history, synopsis
}

const summarizeSystemPrompt = `Summarize the conversation history into a concise paragraph (3-5 sentences).
Focus on: the user's questions and goals, key information discovered, and any decisions made.
Do NOT include greetings, filler, or meta-commentary. Output only the summary paragraph.`

func (w *ContextWindowManager) summarize(ctx context.Context, messages []Message, seed string) string {
	if w.llm == nil || len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	if seed != "" {
		b.WriteString("Earlier summary: " + seed + "\n\n")
	}
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n\n", msg.Role, msg.Content)
	}

	chat, err := w.llm.CreateChat(ctx, nil, gateway.TierLite)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to start summarization chat")
		return ""
	}
	resp, err := w.llm.Send(ctx, chat, gateway.Message{Role: "user", Content: b.String()}, gateway.SendOptions{
		SystemPrompt: summarizeSystemPrompt,
	})
	if err != nil {
		w.logger.WithError(err).Warn("History summarization failed")
		return ""
	}
	return trimToTokenLimit(resp.Text, maxSummaryTokens)
}

// MaybeUpdateSummary refreshes the rolling conversation summary once the
// thread is long enough, every few turns. Runs in the background from the
// orchestrator; every failure is log-only.
func (w *ContextWindowManager) MaybeUpdateSummary(ctx context.Context, userEmail, conversationID string) {
	if w.store == nil || w.llm == nil {
		return
	}
	count, err := w.store.MessageCount(ctx, userEmail, conversationID)
	if err != nil || count < summaryThreshold || count%summaryUpdateInterval != 0 {
		return
	}

	messages, err := w.store.GetRecentMessages(ctx, userEmail, conversationID, count)
	if err != nil {
		return
	}

	cutoff := len(messages) - summaryUpdateInterval
	if cutoff <= 0 {
		return
	}

	summary := w.summarize(ctx, messages[:cutoff], "")
	if summary == "" {
		return
	}
	if err := w.store.UpdateSummary(ctx, userEmail, conversationID, summary); err != nil {
		w.logger.WithError(err).Warn("Failed to store conversation summary")
	}
}

func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

func trimToTokenLimit(content string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	if len(parts) <= maxTokens {
		return trimmed
	}
	return strings.Join(parts[:maxTokens], " ")
}
