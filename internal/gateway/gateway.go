package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tillerworks/helmsman/pkg/logging"
)

// Config configures the gateway. Gemini serves the Pro/Flash/Lite tiers;
// OpenRouter is the last resort and is only constructed when the cascade
// actually reaches it.
type Config struct {
	GeminiAPIKey string
	ProModel     string
	FlashModel   string
	LiteModel    string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterModel   string

	// FailureThreshold failures inside FailureWindow mark a tier degraded,
	// and the cascade skips it proactively.
	FailureThreshold int
	FailureWindow    time.Duration

	Logger logging.Logger
}

const (
	defaultProModel   = "gemini-2.5-pro"
	defaultFlashModel = "gemini-2.5-flash"
	defaultLiteModel  = "gemini-2.5-flash-lite"

	defaultFailureThreshold = 3
	defaultFailureWindow    = 5 * time.Minute
)

// Gateway is the single choke point for every model call. Callers never talk
// to a backend directly; they create a chat handle and Send through it.
type Gateway struct {
	cfg    Config
	logger logging.Logger

	gemini *geminiBackend

	openRouterOnce sync.Once
	openRouter     *openRouterBackend

	mu       sync.Mutex
	failures map[Tier][]time.Time

	// call dispatches one tier attempt. It defaults to callTier and exists
	// so tests can substitute backends.
	call func(ctx context.Context, tier Tier, history []Message, message Message, opts SendOptions) (*Response, error)
}

// TierHealth is one entry of the CheckHealth map.
type TierHealth struct {
	Status         string `json:"status"`
	Model          string `json:"model"`
	RecentFailures int    `json:"recent_failures"`
	Configured     bool   `json:"configured"`
}

// New creates a Gateway. The Gemini client is constructed eagerly since it
// serves the common path; OpenRouter stays lazy.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("gateway: gemini api key is required")
	}
	if cfg.ProModel == "" {
		cfg.ProModel = defaultProModel
	}
	if cfg.FlashModel == "" {
		cfg.FlashModel = defaultFlashModel
	}
	if cfg.LiteModel == "" {
		cfg.LiteModel = defaultLiteModel
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultFailureWindow
	}

	gemini, err := newGeminiBackend(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   cfg.Logger,
		gemini:   gemini,
		failures: make(map[Tier][]time.Time),
	}
	g.call = g.callTier
	return g, nil
}

// CreateChat binds a conversation handle to a tier, seeded with the
// already-trimmed history.
func (g *Gateway) CreateChat(_ context.Context, history []Message, tier Tier) (*Chat, error) {
	chat := &Chat{tier: tier}
	chat.append(history...)
	return chat, nil
}

// Send delivers one message through the fallback cascade starting at the
// chat's bound tier. A retryable failure moves to the next tier with the same
// message; a RejectedError surfaces immediately; exhaustion returns a
// CascadeError listing every per-tier failure. On success the exchange is
// appended to the chat history.
func (g *Gateway) Send(ctx context.Context, chat *Chat, message Message, opts SendOptions) (*Response, error) {
	if chat == nil {
		return nil, errors.New("gateway: chat handle is required")
	}

	walk := g.cascadeWalk(chat.tier)
	history := chat.History()

	var attempts []TierFailure
	for _, tier := range walk {
		resp, err := g.call(ctx, tier, history, message, opts)
		if err == nil {
			callsTotal.WithLabelValues(tier.String(), "success").Inc()
			callLatency.WithLabelValues(tier.String()).Observe(resp.Latency.Seconds())
			tokensTotal.WithLabelValues(tier.String(), "input").Add(float64(resp.InputTokens))
			tokensTotal.WithLabelValues(tier.String(), "output").Add(float64(resp.OutputTokens))
			assistant := Message{Role: "assistant", Content: resp.Text, Calls: resp.FunctionCalls}
			chat.append(message, assistant)
			return resp, nil
		}

		var rej *RejectedError
		if errors.As(err, &rej) {
			callsTotal.WithLabelValues(tier.String(), "rejected").Inc()
			return nil, err
		}
		if !retryable(err) {
			callsTotal.WithLabelValues(tier.String(), "error").Inc()
			return nil, fmt.Errorf("gateway: %s tier failed: %w", tier, err)
		}

		g.recordFailure(tier)
		callsTotal.WithLabelValues(tier.String(), "error").Inc()
		fallbacksTotal.WithLabelValues(tier.String()).Inc()
		attempts = append(attempts, TierFailure{Tier: tier, Model: g.modelFor(tier), Err: err})
		if g.logger != nil {
			g.logger.WithError(err).WithFields(logging.Fields{
				"tier":  tier.String(),
				"model": g.modelFor(tier),
			}).Warn("Model tier failed, falling back")
		}
	}

	return nil, &CascadeError{Attempts: attempts}
}

// cascadeWalk returns the tiers to attempt from start, skipping degraded
// ones. If proactive skipping would leave nothing to try, the full walk is
// used anyway: a degraded tier beats no answer at all.
func (g *Gateway) cascadeWalk(start Tier) []Tier {
	full := CascadeFrom(start)
	healthy := make([]Tier, 0, len(full))
	for _, tier := range full {
		if !g.tierDegraded(tier) {
			healthy = append(healthy, tier)
		}
	}
	if len(healthy) == 0 {
		return full
	}
	return healthy
}

func (g *Gateway) callTier(ctx context.Context, tier Tier, history []Message, message Message, opts SendOptions) (*Response, error) {
	tierCtx, cancel := context.WithTimeout(ctx, tier.Timeout())
	defer cancel()

	switch tier {
	case TierOpenRouter:
		backend, err := g.openRouterClient()
		if err != nil {
			return nil, err
		}
		return backend.generate(tierCtx, history, message, opts)
	default:
		callOpts := opts
		callOpts.EnableFunctionCalling = opts.EnableFunctionCalling && tier.SupportsFunctionCalling()
		return g.gemini.generate(tierCtx, tier, g.modelFor(tier), history, message, callOpts)
	}
}

// openRouterClient constructs the OpenRouter backend on first use.
func (g *Gateway) openRouterClient() (*openRouterBackend, error) {
	if g.cfg.OpenRouterAPIKey == "" {
		return nil, errors.New("openrouter tier is not configured")
	}
	g.openRouterOnce.Do(func() {
		g.openRouter = newOpenRouterBackend(g.cfg.OpenRouterAPIKey, g.cfg.OpenRouterBaseURL, g.cfg.OpenRouterModel)
		if g.logger != nil {
			g.logger.WithField("model", g.cfg.OpenRouterModel).Info("Constructed OpenRouter backend")
		}
	})
	return g.openRouter, nil
}

func (g *Gateway) modelFor(tier Tier) string {
	switch tier {
	case TierPro:
		return g.cfg.ProModel
	case TierFlash:
		return g.cfg.FlashModel
	case TierLite:
		return g.cfg.LiteModel
	case TierOpenRouter:
		return g.cfg.OpenRouterModel
	}
	return ""
}

// CheckHealth reports per-tier status from the recent failure window.
func (g *Gateway) CheckHealth(_ context.Context) map[Tier]TierHealth {
	out := make(map[Tier]TierHealth, len(Cascade))
	for _, tier := range Cascade {
		configured := tier != TierOpenRouter || g.cfg.OpenRouterAPIKey != ""
		recent := g.recentFailures(tier)
		status := "healthy"
		switch {
		case !configured:
			status = "unconfigured"
		case recent >= g.cfg.FailureThreshold:
			status = "degraded"
		}
		out[tier] = TierHealth{
			Status:         status,
			Model:          g.modelFor(tier),
			RecentFailures: recent,
			Configured:     configured,
		}
	}
	return out
}

func (g *Gateway) tierDegraded(tier Tier) bool {
	return g.recentFailures(tier) >= g.cfg.FailureThreshold
}

func (g *Gateway) recordFailure(tier Tier) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[tier] = append(g.pruneLocked(tier, now), now)
}

func (g *Gateway) recentFailures(tier Tier) int {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	pruned := g.pruneLocked(tier, now)
	g.failures[tier] = pruned
	return len(pruned)
}

func (g *Gateway) pruneLocked(tier Tier, now time.Time) []time.Time {
	cutoff := now.Add(-g.cfg.FailureWindow)
	var kept []time.Time
	for _, ts := range g.failures[tier] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
