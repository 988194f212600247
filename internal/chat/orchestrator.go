package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tillerworks/helmsman/internal/agent"
	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/internal/metering"
	"github.com/tillerworks/helmsman/internal/tools"
	"github.com/tillerworks/helmsman/pkg/logging"
)

const (
	defaultHistoryLimit = 20
	titleMaxRunes       = 60
	persistTimeout      = 15 * time.Second
)

// QueryRequest is one conversational turn from a client.
type QueryRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Message        string `json:"message"`
	Tier           string `json:"tier,omitempty"`
}

// QueryResult is the assembled answer for one turn.
type QueryResult struct {
	Answer         string          `json:"answer"`
	Citations      []tools.Source  `json:"citations,omitempty"`
	ModelUsed      string          `json:"model_used"`
	Tier           string          `json:"tier"`
	TurnCount      int             `json:"turn_count"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Tokens         TokenCounts     `json:"-"`
	RawCitations   json.RawMessage `json:"-"`
}

// Config wires the orchestrator's collaborators.
type Config struct {
	LLM      LiteLLM
	Engine   *agent.Engine
	Store    *ConversationStore
	Identity *IdentityResolver
	Window   *ContextWindowManager
	Entities *EntityExtractor
	Tools    *tools.Map
	Logger   logging.Logger

	HistoryLimit   int
	EnrichEntities bool
}

// Orchestrator owns one turn end to end: resolve the caller, load and trim
// history, derive durable facts, run the reasoning engine, and persist the
// exchange in the background.
type Orchestrator struct {
	llm      LiteLLM
	engine   *agent.Engine
	store    *ConversationStore
	identity *IdentityResolver
	window   *ContextWindowManager
	entities *EntityExtractor
	tools    *tools.Map
	logger   logging.Logger

	historyLimit   int
	enrichEntities bool
}

func NewOrchestrator(cfg Config) *Orchestrator {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Orchestrator{
		llm:            cfg.LLM,
		engine:         cfg.Engine,
		store:          cfg.Store,
		identity:       cfg.Identity,
		window:         cfg.Window,
		entities:       cfg.Entities,
		tools:          cfg.Tools,
		logger:         cfg.Logger,
		historyLimit:   historyLimit,
		enrichEntities: cfg.EnrichEntities,
	}
}

// Query answers one turn. Persistence failures never fail the turn; only an
// unusable gateway (cascade exhausted or rejected before any evidence was
// gathered) surfaces as an error to the caller.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	start := time.Now()
	activeQueries.Inc()
	defer activeQueries.Dec()

	id, identityErr := o.identity.Resolve(ctx, req.UserID, req.ConversationID, req.SessionID)
	withHistory := identityErr == nil && id.UserEmail != ""
	if identityErr != nil {
		o.logger.WithError(identityErr).Debug("Running turn without conversation memory")
	}

	var (
		conversationID string
		newThread      bool
		history        []Message
		storedSummary  string
	)
	if withHistory {
		conversationID, newThread, history, storedSummary = o.loadThread(ctx, id, req.ConversationID, req.SessionID)
	}

	gwHistory, synopsis := []gateway.Message{}, storedSummary
	if o.window != nil {
		gwHistory, synopsis = o.window.Trim(ctx, history, storedSummary)
	}

	facts := map[string]string{}
	if o.entities != nil {
		facts = o.entities.Extract(history, req.Message)
		if o.enrichEntities {
			o.entities.Enrich(ctx, facts, history, req.Message)
		}
	}

	// The catalog always rides along so tiers without native function
	// calling can still fall back to the free-text action format.
	systemPrompt := BuildSystemPrompt(facts, synopsis, o.tools.Catalog())

	tier, err := gateway.ParseTier(req.Tier)
	if err != nil {
		o.logger.WithField("tier", req.Tier).Warn("Unknown tier requested, using default")
		tier = gateway.DefaultTier
	}

	chat, err := o.llm.CreateChat(ctx, gwHistory, tier)
	if err != nil {
		queriesTotal.WithLabelValues("error").Inc()
		return QueryResult{}, err
	}

	out := o.engine.Run(ctx, agent.Input{
		Chat:         chat,
		Query:        req.Message,
		SystemPrompt: systemPrompt,
		UserEmail:    id.UserEmail,
	})
	if out.Err != nil && len(out.State.Steps) == 0 {
		// Nothing was gathered before the gateway gave out; the canned
		// fallback answer would only mislead.
		queriesTotal.WithLabelValues("error").Inc()
		queryDuration.Observe(time.Since(start).Seconds())
		return QueryResult{}, out.Err
	}

	result := QueryResult{
		Answer:         out.Answer,
		Citations:      out.Citations,
		ModelUsed:      out.ModelName,
		Tier:           out.Tier.String(),
		TurnCount:      out.State.StepCount,
		ConversationID: conversationID,
		Tokens: TokenCounts{
			Input:  estimateTokens(req.Message) + estimateTokens(systemPrompt),
			Output: estimateTokens(out.Answer),
		},
	}
	if len(out.Citations) > 0 {
		if raw, marshalErr := json.Marshal(out.Citations); marshalErr == nil {
			result.RawCitations = raw
		}
	}

	o.meterUsage(ctx, id.UserEmail, result, out.State.Steps)

	if withHistory && conversationID != "" {
		o.persistTurn(ctx, id, conversationID, newThread, req.Message, result)
	}

	queriesTotal.WithLabelValues("success").Inc()
	queryDuration.Observe(time.Since(start).Seconds())
	return result, nil
}

// Streamer receives incremental output for one turn.
type Streamer interface {
	SendToken(token string) error
	SendCitation(source tools.Source) error
	SendDone(result QueryResult) error
	SendError(message string) error
}

// StreamQuery runs the turn and replays the answer as token events. The
// reasoning loop itself is not streamed; clients see tokens as soon as the
// final answer exists.
func (o *Orchestrator) StreamQuery(ctx context.Context, req QueryRequest, stream Streamer) {
	result, err := o.Query(ctx, req)
	if err != nil {
		o.logger.WithError(err).Error("Streaming query failed")
		_ = stream.SendError("The assistant is unavailable right now. Please try again shortly.")
		return
	}

	for _, token := range tokenize(result.Answer) {
		if ctx.Err() != nil {
			return
		}
		if err := stream.SendToken(token); err != nil {
			return
		}
	}
	for _, src := range result.Citations {
		if err := stream.SendCitation(src); err != nil {
			return
		}
	}
	_ = stream.SendDone(result)
}

// meterUsage bills the turn against the resolved account: one model exchange
// plus a search (and an embedding for document retrieval) per tool step.
func (o *Orchestrator) meterUsage(ctx context.Context, account string, result QueryResult, steps []agent.Step) {
	if account == "" {
		return
	}
	metering.RecordLLMUsage(ctx, account, result.Tokens.Input, result.Tokens.Output)
	for _, step := range steps {
		if step.Action == nil {
			continue
		}
		switch step.Action.Name {
		case "search_documents":
			metering.RecordSearchQuery(ctx, account)
			metering.RecordEmbedding(ctx, account)
		case "search_web":
			metering.RecordSearchQuery(ctx, account)
		}
	}
}

// loadThread resolves or creates the conversation row and loads its recent
// turns. An explicit conversation id wins; otherwise a session id maps to
// its bound thread so session-only clients keep their history across turns.
// Store failures degrade to an empty thread.
func (o *Orchestrator) loadThread(ctx context.Context, id Identity, requestedID, sessionID string) (conversationID string, newThread bool, history []Message, summary string) {
	sessionID = strings.TrimSpace(sessionID)

	if requestedID != "" {
		if _, err := o.store.GetConversation(ctx, id.UserEmail, requestedID); err != nil {
			o.logger.WithError(err).WithField("conversation_id", requestedID).Warn("Requested conversation unavailable, starting fresh")
		} else {
			conversationID = requestedID
		}
	}
	if conversationID == "" && sessionID != "" {
		found, err := o.store.FindBySessionKey(ctx, id.UserEmail, sessionID)
		switch {
		case err == nil:
			conversationID = found
		case errors.Is(err, ErrConversationNotFound):
			// First turn of this session; create below with the key bound.
		default:
			o.logger.WithError(err).WithField("session_id", sessionID).Warn("Session lookup failed, starting fresh")
		}
	}
	if conversationID == "" {
		created, err := o.store.CreateConversation(ctx, id.UserEmail, sessionID)
		if err != nil {
			o.logger.WithError(err).Warn("Failed to create conversation, running without memory")
			return "", false, nil, ""
		}
		return created, true, nil, ""
	}

	history, err := o.store.GetRecentMessages(ctx, id.UserEmail, conversationID, o.historyLimit)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to load conversation history")
		history = nil
	}
	summary, err = o.store.GetSummary(ctx, id.UserEmail, conversationID)
	if err != nil {
		summary = ""
	}
	return conversationID, false, history, summary
}

// persistTurn writes both sides of the exchange after the response is on its
// way. The request context may already be cancelled by then, so persistence
// runs on a detached copy with its own deadline.
func (o *Orchestrator) persistTurn(ctx context.Context, id Identity, conversationID string, newThread bool, userMessage string, result QueryResult) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	go func() {
		defer cancel()

		if err := o.store.AddMessage(bg, id.UserEmail, conversationID, "user", userMessage, nil, "", TokenCounts{Input: result.Tokens.Input}); err != nil {
			o.logger.WithError(err).Warn("Failed to persist user message")
			return
		}
		if err := o.store.AddMessage(bg, id.UserEmail, conversationID, "assistant", result.Answer, result.RawCitations, result.ModelUsed, TokenCounts{Output: result.Tokens.Output}); err != nil {
			o.logger.WithError(err).Warn("Failed to persist assistant message")
		}

		if newThread {
			if err := o.store.UpdateTitle(bg, id.UserEmail, conversationID, truncateTitle(userMessage, titleMaxRunes)); err != nil {
				o.logger.WithError(err).Warn("Failed to set conversation title")
			}
		}

		if o.window != nil {
			o.window.MaybeUpdateSummary(bg, id.UserEmail, conversationID)
		}
	}()
}

func truncateTitle(message string, maxLen int) string {
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}
	truncated := string(runes[:maxLen])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > maxLen/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}

// tokenize splits an answer into whitespace-preserving chunks for streaming.
func tokenize(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			out = append(out, w+" ")
		} else {
			out = append(out, w)
		}
	}
	return out
}
