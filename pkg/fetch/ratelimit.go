package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces out requests to the same host
type RateLimiter struct {
	lastRequest  map[string]time.Time
	mu           sync.Mutex
	defaultDelay time.Duration
	log          *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. A zero defaultDelay disables spacing.
func NewRateLimiter(defaultDelay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		lastRequest:  make(map[string]time.Time),
		defaultDelay: defaultDelay,
		log:          log,
	}
}

// ApplyDelay waits until minDelay has passed since the last request to host, with
// +/- 10% jitter. Returns early when ctx is done.
func (rl *RateLimiter) ApplyDelay(ctx context.Context, host string, minDelay time.Duration) {
	if minDelay <= 0 {
		minDelay = rl.defaultDelay
	}
	if minDelay <= 0 {
		return
	}

	rl.mu.Lock()
	last, seen := rl.lastRequest[host]
	rl.mu.Unlock()
	if !seen {
		return
	}

	elapsed := time.Since(last)
	if elapsed >= minDelay {
		return
	}

	wait := minDelay - elapsed
	if spread := int64(wait) / 5; spread > 0 {
		wait += time.Duration(rand.Int63n(spread)) - wait/10
	}
	if wait <= 0 {
		return
	}

	rl.log.WithFields(logrus.Fields{"host": host, "sleep": wait, "required_delay": minDelay}).Debug("Rate limit applying sleep")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// UpdateLastRequestTime stamps host with the current time. Call it after each request attempt.
func (rl *RateLimiter) UpdateLastRequestTime(host string) {
	rl.mu.Lock()
	rl.lastRequest[host] = time.Now()
	rl.mu.Unlock()
}
