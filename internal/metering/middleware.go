package metering

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware injects the usage tracker into each request context and applies
// the per-caller rate limit. The limit is keyed on the caller's user id when
// one is supplied, falling back to the client address.
func Middleware(tracker *UsageTracker, limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil {
			key := rateKey(c)
			allowed, remaining, resetSeconds := limiter.Allow(key)
			if !allowed {
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":       "rate limit exceeded, try again later",
					"retry_after": resetSeconds,
				})
				c.Abort()
				return
			}
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
			c.Header("X-RateLimit-Reset", strconv.Itoa(resetSeconds))
		}

		if tracker != nil {
			c.Request = c.Request.WithContext(WithTracker(c.Request.Context(), tracker))
		}
		c.Next()
	}
}

func rateKey(c *gin.Context) string {
	if user := strings.TrimSpace(c.Query("user_id")); user != "" {
		return strings.ToLower(user)
	}
	if user := strings.TrimSpace(c.GetHeader("X-User-ID")); user != "" {
		return strings.ToLower(user)
	}
	return c.ClientIP()
}

// RateLimiter is a fixed-window per-key limiter. Overrides allow individual
// accounts a different ceiling than the default.
type RateLimiter struct {
	defaultLimit int
	overrides    map[string]int
	window       time.Duration
	mu           sync.Mutex
	usage        map[string]*rateUsage
}

type rateUsage struct {
	windowStart time.Time
	count       int
}

func NewRateLimiter(defaultLimit int, overrides map[string]int) *RateLimiter {
	if overrides == nil {
		overrides = map[string]int{}
	}
	return &RateLimiter{
		defaultLimit: defaultLimit,
		overrides:    overrides,
		window:       time.Hour,
		usage:        make(map[string]*rateUsage),
	}
}

func (rl *RateLimiter) Allow(key string) (bool, int, int) {
	if rl == nil || key == "" {
		return true, 0, 0
	}
	// overrides and defaultLimit are immutable after construction.
	limit := rl.defaultLimit
	if override, ok := rl.overrides[key]; ok {
		limit = override
	}
	if limit <= 0 {
		return true, 0, 0
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.usage[key]
	if !ok || now.Sub(entry.windowStart) >= rl.window {
		entry = &rateUsage{windowStart: now, count: 0}
		rl.usage[key] = entry
	}

	if entry.count >= limit {
		resetSeconds := int(entry.windowStart.Add(rl.window).Sub(now).Seconds())
		if resetSeconds < 0 {
			resetSeconds = 0
		}
		return false, 0, resetSeconds
	}

	entry.count++
	remaining := limit - entry.count
	resetSeconds := int(entry.windowStart.Add(rl.window).Sub(now).Seconds())
	if resetSeconds < 0 {
		resetSeconds = 0
	}
	return true, remaining, resetSeconds
}

func (rl *RateLimiter) Cleanup() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for id, entry := range rl.usage {
		if now.Sub(entry.windowStart) >= 2*rl.window {
			delete(rl.usage, id)
		}
	}
}

func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	if rl == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()
}
