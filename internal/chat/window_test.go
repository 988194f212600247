package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/pkg/logging"
)

func TestTrimKeepsShortHistoryVerbatim(t *testing.T) {
	llm := &scriptedLite{}
	w := NewContextWindowManager(llm, nil, logging.NewLogger(), 6, 6000)

	messages := []Message{
		{Role: "user", Content: "What are the berthing fees in Palma?"},
		{Role: "assistant", Content: "Around 150 EUR per night for a 20m yacht."},
	}
	history, synopsis := w.Trim(context.Background(), messages, "earlier summary")

	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Content != messages[0].Content || history[1].Content != messages[1].Content {
		t.Fatalf("history rewritten: %+v", history)
	}
	if synopsis != "earlier summary" {
		t.Fatalf("expected stored summary to pass through, got %q", synopsis)
	}
	if llm.calls != 0 {
		t.Fatalf("no summarization expected, got %d calls", llm.calls)
	}
}

func TestTrimFiltersNonChatTurns(t *testing.T) {
	w := NewContextWindowManager(nil, nil, logging.NewLogger(), 6, 6000)

	messages := []Message{
		{Role: "system", Content: "internal"},
		{Role: "tool", Content: "observation payload"},
		{Role: "user", Content: "   "},
		{Role: "user", Content: "real question"},
	}
	history, _ := w.Trim(context.Background(), messages, "")

	if len(history) != 1 || history[0].Content != "real question" {
		t.Fatalf("expected only the real user turn, got %+v", history)
	}
}

func TestTrimSummarizesOverflow(t *testing.T) {
	llm := &scriptedLite{responses: []*gateway.Response{
		{Text: "The user compared marinas in Palma and Split."},
	}}
	w := NewContextWindowManager(llm, nil, logging.NewLogger(), 2, 1)

	messages := []Message{
		{Role: "user", Content: "Tell me about Palma marina"},
		{Role: "assistant", Content: "Palma has over 1000 berths."},
		{Role: "user", Content: "And Split?"},
		{Role: "assistant", Content: "Split is smaller but cheaper."},
	}
	history, synopsis := w.Trim(context.Background(), messages, "old summary")

	if len(history) != 2 {
		t.Fatalf("expected 2 recent turns, got %d", len(history))
	}
	if history[0].Content != "And Split?" {
		t.Fatalf("wrong turns kept: %+v", history)
	}
	if synopsis != "The user compared marinas in Palma and Split." {
		t.Fatalf("expected fresh synopsis, got %q", synopsis)
	}
	// The stored summary seeds the summarization prompt.
	if llm.calls != 1 || !strings.Contains(llm.sent[0].Content, "old summary") {
		t.Fatalf("expected seeded summarization call, got %+v", llm.sent)
	}
}

func TestTrimDropsOldTurnsWhenSummarizationFails(t *testing.T) {
	llm := &scriptedLite{errs: []error{errors.New("lite unavailable")}}
	w := NewContextWindowManager(llm, nil, logging.NewLogger(), 1, 1)

	messages := []Message{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
	}
	history, synopsis := w.Trim(context.Background(), messages, "stored")

	if len(history) != 1 || history[0].Content != "second" {
		t.Fatalf("expected only the newest turn, got %+v", history)
	}
	if synopsis != "stored" {
		t.Fatalf("expected stored summary to survive, got %q", synopsis)
	}
}

func messageRowsForSummary(n int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "conversation_id", "role", "content", "citations",
		"model_used", "token_count_input", "token_count_output", "created_at",
	})
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		rows.AddRow("msg", "conv-1", role, "turn content", []byte("null"), "", 0, 0, time.Now())
	}
	return rows
}

func TestMaybeUpdateSummaryRefreshesAtInterval(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM helmsman\.messages`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery(`SELECT \* FROM`).
		WillReturnRows(messageRowsForSummary(10))
	mock.ExpectExec(`UPDATE helmsman\.conversations SET summary`).
		WithArgs("fresh rolling summary", "conv-1", "skip@harbor.io").
		WillReturnResult(sqlmock.NewResult(0, 1))

	llm := &scriptedLite{responses: []*gateway.Response{{Text: "fresh rolling summary"}}}
	w := NewContextWindowManager(llm, NewConversationStore(db), logging.NewLogger(), 6, 6000)

	w.MaybeUpdateSummary(context.Background(), "skip@harbor.io", "conv-1")

	if llm.calls != 1 {
		t.Fatalf("expected one summarization call, got %d", llm.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMaybeUpdateSummarySkipsShortThreads(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM helmsman\.messages`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	llm := &scriptedLite{}
	w := NewContextWindowManager(llm, NewConversationStore(db), logging.NewLogger(), 6, 6000)

	w.MaybeUpdateSummary(context.Background(), "skip@harbor.io", "conv-1")

	if llm.calls != 0 {
		t.Fatalf("expected no summarization below threshold, got %d", llm.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTrimToTokenLimit(t *testing.T) {
	if got := trimToTokenLimit("one two three four", 2); got != "one two" {
		t.Fatalf("expected truncation, got %q", got)
	}
	if got := trimToTokenLimit("short", 400); got != "short" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if got := trimToTokenLimit("   ", 400); got != "" {
		t.Fatalf("expected empty for whitespace, got %q", got)
	}
}
