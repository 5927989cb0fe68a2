package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// userLimiter caps request rates per user. A user gets a token bucket
// refilled at perMinute/60 per second with a burst of perMinute, which
// matches a "N/minute" fixed-window policy for well-behaved clients.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (l *userLimiter) allow(userID string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[userID]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
