package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable
// limits. Both the commerce backend and the messaging platform publish
// per-minute ceilings, so the constructor takes requests per minute and
// converts to the per-second limit the underlying limiter works in.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter that never exceeds reqPerMin requests
// over any rolling sixty second window. Burst is fixed at 1 so calls spread
// evenly across the window instead of front-loading it.
func NewRateLimiter(reqPerMin int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(reqPerMin)/60.0), 1),
	}
}

// Wait blocks until the rate limiter allows an event or the context is
// canceled. It returns an error only if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the limiter's requests per second and
// burst size. Used to back off when the target API reports a shrinking
// remaining quota via its rate-limit response headers.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
