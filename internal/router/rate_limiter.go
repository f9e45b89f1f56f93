package router

import (
	"sync"
	"time"
)

const (
	window      = time.Minute
	staleWindow = 5 * window
)

// RateLimiter counts inbound messages per connection in fixed one-minute
// windows. It is shared by the hub goroutine and the cleanup job.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows perMinute messages per connection; zero or less
// disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limit:   perMinute,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow reports whether connID may send another message now.
func (rl *RateLimiter) Allow(connID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[connID]
	if !exists {
		rl.clients[connID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}
	if now.Sub(limit.windowStart) >= window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}
	if limit.messageCount >= rl.limit {
		return false
	}
	limit.messageCount++
	return true
}

// Forget drops the state of a disconnected connection.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	delete(rl.clients, connID)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for more than five windows and returns how
// many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for connID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > staleWindow {
			delete(rl.clients, connID)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of connections with live state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
