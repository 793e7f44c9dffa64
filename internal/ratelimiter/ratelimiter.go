package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by the rendezvous adapter and the
// relay engine.
//
// Two kinds of buckets are built from it:
//   - Control frame limiting: one token per non-DATA frame a session
//     receives (Allow). Excess frames are answered with RateLimited.
//   - Relay bandwidth limiting: one token per forwarded byte (WaitN). The
//     relay blocks the source session until enough tokens accumulate, which
//     surfaces to the sender as TCP backpressure.
//
// A nil *RateLimiter is valid and never limits; callers can keep the
// limiter optional without nil checks at every call site.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter refilling perSecond tokens per second with the given
// burst capacity.
//
// perSecond = 0 returns nil (unlimited). burst = 0 defaults to perSecond.
func New(perSecond, burst uint) *RateLimiter {
	if perSecond == 0 {
		return nil
	}
	if burst == 0 {
		burst = perSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Allow consumes one token if available and reports whether it did.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// AllowN consumes n tokens if all of them are available.
func (r *RateLimiter) AllowN(n uint) bool {
	if r == nil {
		return true
	}
	return r.limiter.AllowN(time.Now(), int(n))
}

// Wait blocks until one token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// WaitN blocks until n tokens have been consumed or ctx is done.
//
// Requests larger than the burst are split into burst-sized waits, so a
// single large relay frame is paced instead of rejected.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r == nil || n <= 0 {
		return nil
	}

	burst := r.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := r.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Burst returns the bucket capacity (0 for an unlimited limiter).
func (r *RateLimiter) Burst() int {
	if r == nil {
		return 0
	}
	return r.limiter.Burst()
}

// Tokens returns the current number of available tokens. Monitoring only.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return 0
	}
	return r.limiter.Tokens()
}
