package bluetooth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket for physical BLE writes
type RateLimiter struct {
	mu         sync.Mutex
	config     RateLimitConfig
	tokens     int
	lastRefill time.Time
	lastWrite  time.Time
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter. A nil config or a zero rate yields
// a limiter that always allows.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{now: time.Now}
	if config != nil {
		rl.config = *config
	}
	if rl.config.BurstSize <= 0 {
		rl.config.BurstSize = 1
	}
	rl.tokens = rl.config.BurstSize
	rl.lastRefill = rl.now()
	return rl
}

func (rl *RateLimiter) enabled() bool {
	return rl.config.MaxWritesPerSecond > 0
}

// Allow consumes a token if one is available
func (rl *RateLimiter) Allow() bool {
	if !rl.enabled() {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.refillTokens(now)

	if rl.tokens <= 0 {
		return false
	}

	rl.tokens--
	rl.lastWrite = now
	return true
}

// Wait blocks until a write is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for !rl.Allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.retryInterval()):
		}
	}
	return nil
}

func (rl *RateLimiter) retryInterval() time.Duration {
	interval := time.Second / time.Duration(rl.config.MaxWritesPerSecond)
	if interval > 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// refillTokens adds tokens based on elapsed time.
// Must be called with mutex locked
func (rl *RateLimiter) refillTokens(now time.Time) {
	elapsed := now.Sub(rl.lastRefill)
	if elapsed <= 0 {
		return
	}

	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.MaxWritesPerSecond))
	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.config.BurstSize {
			rl.tokens = rl.config.BurstSize
		}
		rl.lastRefill = now
	}
}

// Stats returns the available tokens and the time of the last allowed write
func (rl *RateLimiter) Stats() (tokens int, lastWrite time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillTokens(rl.now())
	return rl.tokens, rl.lastWrite
}

// Reset refills the bucket, used when a new connection starts
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = rl.config.BurstSize
	rl.lastRefill = rl.now()
	rl.lastWrite = time.Time{}
}
