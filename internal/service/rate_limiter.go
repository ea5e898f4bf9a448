package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimiter implements per-source submission rate limiting
type RateLimiter struct {
	mu sync.Mutex

	// Per-source submission rate limit; zero disables limiting
	maxSubmissionsPerMinute int
	limiters                map[string]*rate.Limiter
	clock                   clockwork.Clock
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxSubmissionsPerMinute int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		limiters:                make(map[string]*rate.Limiter),
		clock:                   clock,
	}
}

// CheckSubmissionRate checks if a source can submit more events
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, source string) error {
	if rl.maxSubmissionsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	limiter, exists := rl.limiters[source]
	if !exists {
		every := rate.Every(time.Minute / time.Duration(rl.maxSubmissionsPerMinute))
		limiter = rate.NewLimiter(every, rl.maxSubmissionsPerMinute)
		rl.limiters[source] = limiter
	}
	rl.mu.Unlock()

	if !limiter.AllowN(rl.clock.Now(), 1) {
		return ErrRateLimitExceeded
	}
	return nil
}
