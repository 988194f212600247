package metering

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type fakePublisher struct {
	published []UsageSummary
	errs      []error
	calls     int
}

func (f *fakePublisher) PublishUsageSummary(summary UsageSummary) error {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return f.errs[idx]
	}
	f.published = append(f.published, summary)
	return nil
}

func TestUsageTrackerPersistsAccountUsage(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(UsageTrackerConfig{
		DB:    db,
		Model: "helmsman-flash",
	})

	tracker.RecordLLMCall("skip@harbor.io", 10, 5)

	mock.ExpectExec(`INSERT INTO helmsman\.usage_events`).WithArgs(
		"skip@harbor.io",
		"llm_call",
		1,
		10,
		5,
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	tracker.Flush(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageTrackerRetriesFailedPersistence(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(UsageTrackerConfig{
		DB:    db,
		Model: "helmsman-flash",
	})

	tracker.RecordLLMCall("skip@harbor.io", 10, 5)

	mock.ExpectExec(`INSERT INTO helmsman\.usage_events`).WithArgs(
		"skip@harbor.io",
		"llm_call",
		1,
		10,
		5,
		sqlmock.AnyArg(),
	).WillReturnError(sqlmock.ErrCancelled)

	tracker.Flush(context.Background())

	mock.ExpectExec(`INSERT INTO helmsman\.usage_events`).WithArgs(
		"skip@harbor.io",
		"llm_call",
		1,
		10,
		5,
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	tracker.Flush(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageTrackerAggregatesPerEventType(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(UsageTrackerConfig{DB: db})

	tracker.RecordSearchQuery("skip@harbor.io")
	tracker.RecordSearchQuery("skip@harbor.io")
	tracker.RecordEmbedding("skip@harbor.io")

	mock.ExpectExec(`INSERT INTO helmsman\.usage_events`).WithArgs(
		"skip@harbor.io", "search_query", 2, 0, 0, sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO helmsman\.usage_events`).WithArgs(
		"skip@harbor.io", "embedding", 1, 0, 0, sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))

	tracker.Flush(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsageTrackerPublishesSummary(t *testing.T) {
	publisher := &fakePublisher{}
	tracker := NewUsageTracker(UsageTrackerConfig{
		Publisher: publisher,
		Model:     "helmsman-flash",
	})

	tracker.RecordLLMCall("skip@harbor.io", 100, 40)
	tracker.RecordSearchQuery("skip@harbor.io")
	tracker.Flush(context.Background())

	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(publisher.published))
	}
	summary := publisher.published[0]
	if summary.AccountEmail != "skip@harbor.io" || summary.LLMCalls != 1 || summary.Searches != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TokensInput != 100 || summary.TokensOutput != 40 {
		t.Fatalf("token totals wrong: %+v", summary)
	}
	if summary.Service != "helmsman" {
		t.Fatalf("expected default service name, got %q", summary.Service)
	}
}

func TestUsageTrackerRetriesFailedPublish(t *testing.T) {
	publisher := &fakePublisher{errs: []error{errors.New("broker down")}}
	tracker := NewUsageTracker(UsageTrackerConfig{Publisher: publisher})

	tracker.RecordLLMCall("skip@harbor.io", 10, 5)
	tracker.Flush(context.Background())

	if len(publisher.published) != 0 {
		t.Fatalf("first publish should have failed")
	}

	// The queued summary goes out on the next flush.
	tracker.Flush(context.Background())
	if len(publisher.published) != 1 {
		t.Fatalf("expected retried summary, got %d", len(publisher.published))
	}
}

func TestRecordHelpersRequireTrackerAndAccount(t *testing.T) {
	tracker := NewUsageTracker(UsageTrackerConfig{})

	ctx := WithTracker(context.Background(), tracker)
	RecordLLMUsage(ctx, "skip@harbor.io", 5, 3)
	RecordLLMUsage(ctx, "", 5, 3)
	RecordSearchQuery(context.Background(), "skip@harbor.io")

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.usageByAccount) != 1 {
		t.Fatalf("expected exactly one account metered, got %d", len(tracker.usageByAccount))
	}
	if usage := tracker.usageByAccount["skip@harbor.io"]; usage == nil || usage.llmCalls != 1 || usage.searches != 0 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}
