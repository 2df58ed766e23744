package app

import (
	"sync"
	"time"

	"github.com/dkeye/chatmesh/internal/domain"
)

// RateLimiter is a sliding-window limiter keyed by user. A zero limit
// disables it.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserName][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.UserName][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(u domain.UserName) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[u]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[u] = fresh
		return false
	}
	rl.history[u] = append(fresh, now)
	return true
}

// Forget drops the history of a departed user.
func (rl *RateLimiter) Forget(u domain.UserName) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, u)
}
