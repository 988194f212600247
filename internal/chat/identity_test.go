package chat

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/tillerworks/helmsman/pkg/logging"
)

func TestResolveEmailPassesThroughLowercased(t *testing.T) {
	r := NewIdentityResolver(nil, logging.NewLogger())

	id, err := r.Resolve(context.Background(), "Skip@Harbor.IO", "conv-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserEmail != "skip@harbor.io" {
		t.Fatalf("expected lowercased email, got %q", id.UserEmail)
	}
	if id.ThreadKey != "conv-1" {
		t.Fatalf("expected conversation id as thread key, got %q", id.ThreadKey)
	}
}

func TestResolveLooksUpDirectoryID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT email FROM helmsman\.users`).
		WithArgs("usr-42").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("Skip@Harbor.IO"))

	r := NewIdentityResolver(db, logging.NewLogger())
	id, err := r.Resolve(context.Background(), "usr-42", "", "sess-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserEmail != "skip@harbor.io" {
		t.Fatalf("expected directory email, got %q", id.UserEmail)
	}
	if id.ThreadKey != "sess-9" {
		t.Fatalf("expected session fallback thread key, got %q", id.ThreadKey)
	}
}

func TestResolveUnknownUserDegrades(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT email FROM helmsman\.users`).
		WithArgs("usr-missing").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))

	r := NewIdentityResolver(db, logging.NewLogger())
	id, err := r.Resolve(context.Background(), "usr-missing", "conv-1", "")
	if err == nil {
		t.Fatalf("expected advisory error for unknown user")
	}
	if id.UserEmail != "" {
		t.Fatalf("expected no email, got %q", id.UserEmail)
	}
	if id.ThreadKey != "conv-1" {
		t.Fatalf("thread key must survive lookup failure, got %q", id.ThreadKey)
	}
}

func TestResolveEmptyUser(t *testing.T) {
	r := NewIdentityResolver(nil, logging.NewLogger())

	if _, err := r.Resolve(context.Background(), "   ", "", ""); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestThreadKeyPrefersConversation(t *testing.T) {
	if got := threadKey("conv-1", "sess-9"); got != "conv-1" {
		t.Fatalf("expected conversation id, got %q", got)
	}
	if got := threadKey("  ", "sess-9"); got != "sess-9" {
		t.Fatalf("expected session fallback, got %q", got)
	}
}
