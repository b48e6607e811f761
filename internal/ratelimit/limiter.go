// Package ratelimit paces publisher sessions.
package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimiter paces one publisher. A zero rate means unlimited.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows perSecond messages per second. Fractional rates are
// allowed; the burst is one second's worth of messages, at least one.
func NewRateLimiter(perSecond float64) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{}
	}
	burst := int(math.Ceil(perSecond))
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the next message may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.limiter == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Limit returns the configured rate, 0 when unlimited.
func (r *RateLimiter) Limit() float64 {
	if r == nil || r.limiter == nil {
		return 0
	}
	return float64(r.limiter.Limit())
}

// Shared returns a constructor that hands every caller the same limiter, so
// all sessions built with it together send at most perSecond. It returns nil
// when perSecond is not positive.
func Shared(perSecond float64) func() *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	l := NewRateLimiter(perSecond)
	return func() *RateLimiter { return l }
}
