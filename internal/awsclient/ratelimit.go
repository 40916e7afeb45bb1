package awsclient

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-service minimum interval between API calls.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	lastCall   map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	return &RateLimiter{
		ratePerSec: ratePerSec,
		lastCall:   make(map[string]time.Time),
	}
}

// Wait blocks until the rate limit allows another call to the service.
func (rl *RateLimiter) Wait(service string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	minInterval := time.Second / time.Duration(rl.ratePerSec)
	if last, ok := rl.lastCall[service]; ok {
		if elapsed := time.Since(last); elapsed < minInterval {
			time.Sleep(minInterval - elapsed)
		}
	}
	rl.lastCall[service] = time.Now()
}
