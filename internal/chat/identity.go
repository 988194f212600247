package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tillerworks/helmsman/pkg/logging"
)

// Identity is the canonical addressing pair for conversational memory:
// who the user is and which thread the turn belongs to.
type Identity struct {
	UserEmail string
	ThreadKey string
}

// IdentityResolver maps the loosely-typed request fields (user_id that may be
// an email or a directory id, conversation_id, session_id) onto a canonical
// Identity. Resolution failures degrade to no-history mode rather than
// failing the request.
type IdentityResolver struct {
	db     *sql.DB
	logger logging.Logger
}

func NewIdentityResolver(db *sql.DB, logger logging.Logger) *IdentityResolver {
	return &IdentityResolver{db: db, logger: logger}
}

var errNoIdentity = errors.New("no user identity in request")

// Resolve returns the canonical identity for a request. The returned error is
// advisory: callers log it and run without history, they do not fail the query.
func (r *IdentityResolver) Resolve(ctx context.Context, userID, conversationID, sessionID string) (Identity, error) {
	id := Identity{ThreadKey: threadKey(conversationID, sessionID)}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return id, errNoIdentity
	}

	if strings.Contains(userID, "@") {
		id.UserEmail = strings.ToLower(userID)
		return id, nil
	}

	email, err := r.lookupEmail(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("Identity lookup failed, continuing without history")
		return id, fmt.Errorf("resolve user %q: %w", userID, err)
	}
	id.UserEmail = email
	return id, nil
}

func (r *IdentityResolver) lookupEmail(ctx context.Context, userID string) (string, error) {
	if r.db == nil {
		return "", errors.New("user directory is not configured")
	}
	var email string
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM helmsman.users WHERE id = $1`,
		userID,
	).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %q not found in directory", userID)
	}
	if err != nil {
		return "", err
	}
	return strings.ToLower(email), nil
}

// threadKey prefers the explicit conversation id; session id is the fallback
// for clients that only track a browsing session.
func threadKey(conversationID, sessionID string) string {
	if key := strings.TrimSpace(conversationID); key != "" {
		return key
	}
	return strings.TrimSpace(sessionID)
}
