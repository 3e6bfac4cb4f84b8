package server

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket throttling inbound frames per connection.
// A full burst of tokens is available up front and one token grows back
// every interval/burst; partial progress toward the next token carries over
// between calls so steady traffic at the configured rate is never refused.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   int
	burst    int
	perToken time.Duration
	// last marks the instant the most recent token finished growing.
	last time.Time
	now  func() time.Time
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	perToken := interval / time.Duration(burst)
	if perToken <= 0 {
		perToken = 1
	}
	return &rateLimiter{
		tokens:   burst,
		burst:    burst,
		perToken: perToken,
		last:     time.Now(),
		now:      time.Now,
	}
}

// allow consumes a token if one is available.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if grown := int(now.Sub(rl.last) / rl.perToken); grown > 0 {
		rl.tokens += grown
		if rl.tokens >= rl.burst {
			rl.tokens = rl.burst
			// A full bucket stops accruing credit.
			rl.last = now
		} else {
			rl.last = rl.last.Add(time.Duration(grown) * rl.perToken)
		}
	}

	if rl.tokens == 0 {
		return false
	}
	rl.tokens--
	return true
}
