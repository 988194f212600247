package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RejectedError is a content-policy rejection (4xx class). It is never
// retried at a lower tier: a cheaper model cannot fix a policy violation.
type RejectedError struct {
	Tier   Tier
	Model  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("model %s (%s tier) rejected the request: %s", e.Model, e.Tier, e.Reason)
}

// TierFailure records one failed attempt during a cascade walk.
type TierFailure struct {
	Tier  Tier
	Model string
	Err   error
}

func (f TierFailure) String() string {
	return fmt.Sprintf("%s (%s): %v", f.Tier, f.Model, f.Err)
}

// CascadeError reports total exhaustion of the fallback cascade. It carries
// every per-tier failure in attempt order, not just the last one.
type CascadeError struct {
	Attempts []TierFailure
}

func (e *CascadeError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.String())
	}
	return "all model tiers exhausted: " + strings.Join(parts, "; ")
}

// Tiers returns the attempted tiers in order.
func (e *CascadeError) Tiers() []Tier {
	out := make([]Tier, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Tier)
	}
	return out
}

func (e *CascadeError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// retryable reports whether an error should trigger a fallback to the next
// tier. Quota pressure, server-side failures, and timeouts are retryable;
// everything else (auth, malformed request, policy) is not. Backends that
// can classify precisely return RejectedError themselves; this is the
// string-level safety net for SDK errors that arrive untyped.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "internal error"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return true
	}
	return false
}
