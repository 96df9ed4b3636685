package ratelimit

import (
	"context"
	"log"
	"time"
)

// Counter is the slice of the ledger the limiter needs: how many entries a
// user has accrued since a given instant.
type Counter interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Decision is the outcome of a rate-limit check for one call.
type Decision struct {
	Allowed    bool
	Limit      int
	// Remaining is computed after accounting for the entry about to be
	// logged for this call, so clients see an accurate budget.
	Remaining  int
	RetryAfter time.Duration
}

// Config holds configuration for the sliding-window limiter.
type Config struct {
	MaxRequests int           // allowed calls per window (default 20)
	Window      time.Duration // window length (default 60s)
}

// DefaultConfig returns the gateway's stock limits.
func DefaultConfig() Config {
	return Config{MaxRequests: 20, Window: 60 * time.Second}
}

// Limiter enforces a per-user sliding counting window. The count is
// recomputed from the usage ledger on every call rather than held in a
// separate counter, so the audit trail and the limit can never drift apart.
// Two concurrent calls near the boundary can both read count=limit-1 and
// both proceed; this is an accepted soft limit, not a billing-grade quota.
type Limiter struct {
	counter Counter
	max     int
	window  time.Duration
	logger  *log.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter reading from the given counter.
func NewLimiter(counter Counter, cfg Config, logger *log.Logger) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Limiter{
		counter: counter,
		max:     cfg.MaxRequests,
		window:  cfg.Window,
		logger:  logger,
		now:     time.Now,
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check decides whether the user's next call is allowed.
//
// A failed count read degrades to count=0: the call is allowed rather than
// blocking all traffic on a store hiccup. Writes elsewhere are still required
// to succeed, so the audit trail stays complete. Availability over strictness
// for an abuse-mitigation limit.
func (l *Limiter) Check(ctx context.Context, userID string) Decision {
	since := l.now().Add(-l.window)
	count, err := l.counter.CountSince(ctx, userID, since)
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("rate limit count read failed, allowing request: user_id=%s err=%v", userID, err)
		}
		count = 0
	}

	remaining := l.max - count - 1
	if remaining < 0 {
		remaining = 0
	}
	if count >= l.max {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			RetryAfter: l.window,
		}
	}
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: remaining,
	}
}
