package metering

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tillerworks/helmsman/pkg/logging"
)

type contextKey struct{}

// WithTracker attaches the usage tracker to a request context so downstream
// code can meter work without threading the tracker explicitly.
func WithTracker(ctx context.Context, tracker *UsageTracker) context.Context {
	if tracker == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, tracker)
}

func trackerFromContext(ctx context.Context) (*UsageTracker, bool) {
	if ctx == nil {
		return nil, false
	}
	tracker, ok := ctx.Value(contextKey{}).(*UsageTracker)
	return tracker, ok && tracker != nil
}

// RecordLLMUsage meters one model exchange against the account. No-op when
// the context carries no tracker or the account is unknown.
func RecordLLMUsage(ctx context.Context, account string, inputTokens, outputTokens int) {
	if tracker, ok := trackerFromContext(ctx); ok && account != "" {
		tracker.RecordLLMCall(account, inputTokens, outputTokens)
	}
}

func RecordSearchQuery(ctx context.Context, account string) {
	if tracker, ok := trackerFromContext(ctx); ok && account != "" {
		tracker.RecordSearchQuery(account)
	}
}

func RecordEmbedding(ctx context.Context, account string) {
	if tracker, ok := trackerFromContext(ctx); ok && account != "" {
		tracker.RecordEmbedding(account)
	}
}

// UsageSummary is the billing-facing aggregate for one account over one
// flush window.
type UsageSummary struct {
	AccountEmail string    `json:"account_email"`
	Service      string    `json:"service"`
	Period       string    `json:"period"`
	Timestamp    time.Time `json:"timestamp"`
	LLMCalls     int       `json:"llm_calls"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	Searches     int       `json:"searches"`
	Embeddings   int       `json:"embeddings"`
	Model        string    `json:"model,omitempty"`
}

// SummaryPublisher forwards usage summaries to the billing pipeline.
type SummaryPublisher interface {
	PublishUsageSummary(summary UsageSummary) error
}

type UsageTrackerConfig struct {
	DB            *sql.DB
	Publisher     SummaryPublisher
	Logger        logging.Logger
	Model         string
	Service       string
	FlushInterval time.Duration
}

// UsageTracker aggregates per-account usage in memory and flushes it on an
// interval to Postgres and the billing topic. Failed database writes are
// folded back into the live counters; failed publishes go to a retry queue.
type UsageTracker struct {
	db            *sql.DB
	publisher     SummaryPublisher
	logger        logging.Logger
	model         string
	service       string
	flushInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}

	mu             sync.Mutex
	lastFlush      time.Time
	usageByAccount map[string]*accountUsage

	pendingMu sync.Mutex
	pending   []UsageSummary
}

type accountUsage struct {
	llmCalls     int
	inputTokens  int
	outputTokens int
	searches     int
	embeddings   int
}

func NewUsageTracker(cfg UsageTrackerConfig) *UsageTracker {
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	service := cfg.Service
	if service == "" {
		service = "helmsman"
	}
	return &UsageTracker{
		db:             cfg.DB,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		model:          cfg.Model,
		service:        service,
		flushInterval:  flushInterval,
		stopCh:         make(chan struct{}),
		lastFlush:      time.Now(),
		usageByAccount: make(map[string]*accountUsage),
	}
}

func (t *UsageTracker) Start() {
	if t == nil {
		return
	}
	go t.loop()
}

func (t *UsageTracker) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *UsageTracker) RecordLLMCall(account string, inputTokens, outputTokens int) {
	if t == nil || account == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage := t.ensureAccount(account)
	usage.llmCalls++
	usage.inputTokens += inputTokens
	usage.outputTokens += outputTokens
}

func (t *UsageTracker) RecordSearchQuery(account string) {
	if t == nil || account == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureAccount(account).searches++
}

func (t *UsageTracker) RecordEmbedding(account string) {
	if t == nil || account == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureAccount(account).embeddings++
}

func (t *UsageTracker) loop() {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.stopCh:
			t.Flush(context.Background())
			return
		}
	}
}

// Flush writes the current window to storage and billing. Safe to call
// concurrently with recording.
func (t *UsageTracker) Flush(ctx context.Context) {
	if t == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	t.retryPendingSummaries()

	t.mu.Lock()
	if len(t.usageByAccount) == 0 {
		t.lastFlush = now
		t.mu.Unlock()
		return
	}
	snapshot := t.usageByAccount
	t.usageByAccount = make(map[string]*accountUsage)
	windowStart := t.lastFlush
	t.lastFlush = now
	t.mu.Unlock()

	for account, usage := range snapshot {
		t.flushAccount(ctx, account, usage, windowStart, now)
	}
}

func (t *UsageTracker) flushAccount(ctx context.Context, account string, usage *accountUsage, windowStart, windowEnd time.Time) {
	if account == "" || usage == nil {
		return
	}
	if usage.llmCalls == 0 && usage.searches == 0 && usage.embeddings == 0 {
		return
	}

	if err := t.persistUsage(ctx, account, usage); err != nil {
		t.requeueUsage(account, usage)
		return
	}

	if t.publisher != nil {
		summary := t.buildUsageSummary(account, usage, windowStart, windowEnd)
		if err := t.publisher.PublishUsageSummary(summary); err != nil {
			t.enqueueSummary(summary)
			if t.logger != nil {
				t.logger.WithError(err).WithField("account", account).Warn("Failed to publish usage summary")
			}
		}
	}
}

func (t *UsageTracker) persistUsage(ctx context.Context, account string, usage *accountUsage) error {
	if t.db == nil {
		return nil
	}
	var errs []error
	if usage.llmCalls > 0 {
		if err := t.insertUsageRow(ctx, account, "llm_call", usage.llmCalls, usage.inputTokens, usage.outputTokens, t.model); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.searches > 0 {
		if err := t.insertUsageRow(ctx, account, "search_query", usage.searches, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if usage.embeddings > 0 {
		if err := t.insertUsageRow(ctx, account, "embedding", usage.embeddings, 0, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("persist usage failed with %d error(s)", len(errs))
	}
	return nil
}

func (t *UsageTracker) insertUsageRow(ctx context.Context, account, eventType string, count, inputTokens, outputTokens int, model string) error {
	if count <= 0 {
		return nil
	}
	var modelValue sql.NullString
	if model != "" {
		modelValue = sql.NullString{String: model, Valid: true}
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO helmsman.usage_events (
			account_email,
			event_type,
			event_count,
			tokens_input,
			tokens_output,
			model,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, account, eventType, count, inputTokens, outputTokens, modelValue)
	if err != nil && t.logger != nil {
		t.logger.WithError(err).WithFields(logging.Fields{
			"account":    account,
			"event_type": eventType,
		}).Warn("Failed to persist usage")
	}
	return err
}

func (t *UsageTracker) buildUsageSummary(account string, usage *accountUsage, windowStart, windowEnd time.Time) UsageSummary {
	period := fmt.Sprintf("%s/%s", windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
	return UsageSummary{
		AccountEmail: account,
		Service:      t.service,
		Period:       period,
		Timestamp:    windowEnd,
		LLMCalls:     usage.llmCalls,
		TokensInput:  usage.inputTokens,
		TokensOutput: usage.outputTokens,
		Searches:     usage.searches,
		Embeddings:   usage.embeddings,
		Model:        t.model,
	}
}

func (t *UsageTracker) ensureAccount(account string) *accountUsage {
	usage, ok := t.usageByAccount[account]
	if !ok {
		usage = &accountUsage{}
		t.usageByAccount[account] = usage
	}
	return usage
}

func (t *UsageTracker) requeueUsage(account string, usage *accountUsage) {
	if t == nil || account == "" || usage == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.ensureAccount(account)
	current.llmCalls += usage.llmCalls
	current.inputTokens += usage.inputTokens
	current.outputTokens += usage.outputTokens
	current.searches += usage.searches
	current.embeddings += usage.embeddings
}

func (t *UsageTracker) enqueueSummary(summary UsageSummary) {
	if t == nil {
		return
	}
	t.pendingMu.Lock()
	t.pending = append(t.pending, summary)
	t.pendingMu.Unlock()
}

func (t *UsageTracker) retryPendingSummaries() {
	if t == nil || t.publisher == nil {
		return
	}
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	if len(pending) == 0 {
		return
	}
	var remaining []UsageSummary
	for _, summary := range pending {
		if err := t.publisher.PublishUsageSummary(summary); err != nil {
			remaining = append(remaining, summary)
			if t.logger != nil {
				t.logger.WithError(err).WithField("account", summary.AccountEmail).Warn("Failed to retry usage summary")
			}
		}
	}
	if len(remaining) > 0 {
		t.pendingMu.Lock()
		t.pending = append(t.pending, remaining...)
		t.pendingMu.Unlock()
	}
}

// EnsureSchema creates the usage table when it does not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS helmsman`,
		`CREATE TABLE IF NOT EXISTS helmsman.usage_events (
			id BIGSERIAL PRIMARY KEY,
			account_email TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_helmsman_usage_account
			ON helmsman.usage_events (account_email, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure usage schema: %w", err)
		}
	}
	return nil
}
