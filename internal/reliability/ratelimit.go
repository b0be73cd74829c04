// Package reliability implements the three independent gating subsystems
// of C6: a per-sender sliding-window rate limiter, a per-endpoint circuit
// breaker, and a mailbox backpressure check. The rate-limit and
// backpressure checks are pure functions returning result structs, like
// internal/budget; the circuit breaker keeps per-endpoint state behind a
// mutex.
package reliability

import "strings"

// RateLimitConfig configures the sliding-window rate limiter.
type RateLimitConfig struct {
	Enabled             bool
	WindowSecs          int
	MaxPerWindow        int
	PerSenderOverrides map[string]int // prefix -> limit
}

// RateLimitResult reports the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	Reason       string
}

// CheckRateLimit evaluates whether sender may publish again, given the
// message count the caller has already derived for sender within the
// configured window (typically from the SQLite index). Overrides resolve
// by longest matching prefix.
func CheckRateLimit(sender string, countInWindow int, cfg RateLimitConfig) RateLimitResult {
	if !cfg.Enabled {
		return RateLimitResult{Allowed: true}
	}

	limit := cfg.MaxPerWindow
	if override, ok := longestPrefixMatch(sender, cfg.PerSenderOverrides); ok {
		limit = override
	}

	if countInWindow >= limit {
		return RateLimitResult{
			Allowed:      false,
			CurrentCount: countInWindow,
			Limit:        limit,
			Reason:       "rate limit exceeded",
		}
	}

	return RateLimitResult{Allowed: true, CurrentCount: countInWindow, Limit: limit}
}

func longestPrefixMatch(sender string, overrides map[string]int) (int, bool) {
	bestLen := -1
	bestLimit := 0
	found := false
	for prefix, limit := range overrides {
		if strings.HasPrefix(sender, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestLimit = limit
			found = true
		}
	}
	return bestLimit, found
}
