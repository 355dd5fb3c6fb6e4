package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter is a token bucket plus a concurrency cap for one client.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limiter            *rate.Limiter
	maxConcurrent      int
	concurrentRequests int
	lastSeen           time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 10)
}

// NewClientRateLimiterWithLimits allows requestsPerMinute on average with a
// burst of the same size.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(perMinute(requestsPerMinute), requestsPerMinute),
		maxConcurrent: maxConcurrent,
		lastSeen:      time.Now(),
	}
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// Acquire takes a token and a concurrency slot. On success the caller must
// call Release when the request ends.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen = time.Now()
	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}
	if !r.limiter.Allow() {
		return false, reasonRateLimited
	}
	r.concurrentRequests++
	return true, ""
}

// Release frees a concurrency slot.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limiter.SetLimit(perMinute(requestsPerMinute))
	r.limiter.SetBurst(requestsPerMinute)
	r.maxConcurrent = maxConcurrent
}

// GetStats returns the concurrent request count.
func (r *ClientRateLimiter) GetStats() (concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests
}

func (r *ClientRateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests == 0 && r.lastSeen.Before(cutoff)
}

// RateLimiters keeps one limiter per client key.
type RateLimiters struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	clients           map[string]*ClientRateLimiter
}

// NewRateLimiters creates a per-client limiter set.
func NewRateLimiters(requestsPerMinute, maxConcurrent int) *RateLimiters {
	return &RateLimiters{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		clients:           make(map[string]*ClientRateLimiter),
	}
}

// For returns the limiter of key, creating it on first use.
func (rl *RateLimiters) For(key string) *ClientRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.clients[key]
	if !ok {
		l = NewClientRateLimiterWithLimits(rl.requestsPerMinute, rl.maxConcurrent)
		rl.clients[key] = l
	}
	return l
}

// Prune forgets limiters idle since before cutoff.
func (rl *RateLimiters) Prune(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for key, l := range rl.clients {
		if l.idleSince(cutoff) {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked clients.
func (rl *RateLimiters) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
