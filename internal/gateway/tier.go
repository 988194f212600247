package gateway

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies one model backend in the fallback cascade. Order is
// priority order: lower values are tried first.
type Tier int

const (
	TierPro Tier = iota
	TierFlash
	TierLite
	TierOpenRouter
)

// Cascade is the fixed fallback order. It is never reordered; a request
// entering at tier T only ever walks forward from T.
var Cascade = [4]Tier{TierPro, TierFlash, TierLite, TierOpenRouter}

// DefaultTier is where queries land unless the caller asks for escalation.
const DefaultTier = TierFlash

func (t Tier) String() string {
	switch t {
	case TierPro:
		return "pro"
	case TierFlash:
		return "flash"
	case TierLite:
		return "lite"
	case TierOpenRouter:
		return "openrouter"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier maps a user-supplied tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro":
		return TierPro, nil
	case "flash", "":
		return TierFlash, nil
	case "lite":
		return TierLite, nil
	case "openrouter":
		return TierOpenRouter, nil
	default:
		return DefaultTier, fmt.Errorf("unknown model tier %q", s)
	}
}

// SupportsFunctionCalling reports whether the tier's backend accepts native
// tool declarations. The OpenRouter path is the free-text fallback: tools are
// described in the prompt and calls are parsed from the response text.
func (t Tier) SupportsFunctionCalling() bool {
	return t != TierOpenRouter
}

// CascadeFrom returns the tiers to attempt for a request entering at start,
// in order. The walk never goes backward.
func CascadeFrom(start Tier) []Tier {
	var out []Tier
	for _, t := range Cascade {
		if t >= start {
			out = append(out, t)
		}
	}
	return out
}

// Timeout returns the per-tier request timeout. Premium tiers fail fast so
// the cascade can move on; the last-resort tier is given more room.
func (t Tier) Timeout() time.Duration {
	switch t {
	case TierPro:
		return 45 * time.Second
	case TierFlash:
		return 60 * time.Second
	case TierLite:
		return 60 * time.Second
	case TierOpenRouter:
		return 90 * time.Second
	default:
		return 60 * time.Second
	}
}
