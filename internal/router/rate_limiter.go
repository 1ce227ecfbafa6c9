package router

import (
	"sync"
	"time"
)

// RateLimiter implements per-connection fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*ClientLimit
	limit   int
	window  time.Duration
	now     func() time.Time
}

// ClientLimit tracks the current window of one connection
type ClientLimit struct {
	eventCount  int
	windowStart time.Time
}

// NewRateLimiter allows limit events per window; a non-positive limit disables limiting
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		clients: make(map[string]*ClientLimit),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records one event for the connection and reports whether it fits the window
func (rl *RateLimiter) Allow(connectionID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.clients[connectionID]
	if !ok || now.Sub(cl.windowStart) >= rl.window {
		rl.clients[connectionID] = &ClientLimit{eventCount: 1, windowStart: now}
		return true
	}
	if cl.eventCount >= rl.limit {
		return false
	}
	cl.eventCount++
	return true
}

// Forget drops the state of a closed connection
func (rl *RateLimiter) Forget(connectionID string) {
	rl.mu.Lock()
	delete(rl.clients, connectionID)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, cl := range rl.clients {
		if now.Sub(cl.windowStart) > 5*rl.window {
			delete(rl.clients, id)
		}
	}
}

// Tracked returns the number of connections with live state
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
