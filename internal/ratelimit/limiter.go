// Package ratelimit provides per-client admission control for fetchguard:
// a non-blocking token bucket that rejects immediately on exhaustion
// rather than queueing callers.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Config describes a token-bucket rate limit: burst capacity plus a
// refill rate of count tokens per interval.
type Config struct {
	Burst    int
	Count    int
	Interval time.Duration
}

// Limiter wraps golang.org/x/time/rate.Limiter. Its Allow method already
// rejects immediately on exhaustion rather than queueing, so there is
// nothing to add beyond a constructor.
type Limiter struct {
	inner *rate.Limiter
}

// New builds a Limiter from cfg. A zero Count or Interval disables limiting
// entirely by returning nil; callers should treat a nil *Limiter as
// "admit everything".
func New(cfg Config) *Limiter {
	if cfg.Count <= 0 || cfg.Interval <= 0 {
		return nil
	}
	perSecond := rate.Limit(float64(cfg.Count) / cfg.Interval.Seconds())
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Count
	}
	return &Limiter{inner: rate.NewLimiter(perSecond, burst)}
}

// Allow attempts to acquire a single token. It never blocks: a caller that
// cannot be admitted right now is rejected, not queued.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.inner.Allow()
}
