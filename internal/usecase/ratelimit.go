package usecase

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRequests = 30
	defaultRateLimitWindow   = 10 * time.Minute
)

// RateLimiter applies a per-session question budget: requests per window,
// refilled continuously. Idle entries are evicted on access.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*sessionLimiter
	rate     rate.Limit
	burst    int
	window   time.Duration
	now      func() time.Time
}

type sessionLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limiters: make(map[string]*sessionLimiter),
		rate:     rate.Every(window / time.Duration(requests)),
		burst:    requests,
		window:   window,
		now:      time.Now,
	}
}

// Allow reports whether key may ask another question now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for k, l := range rl.limiters {
		if now.Sub(l.lastSeen) > rl.window {
			delete(rl.limiters, k)
		}
	}
	l, ok := rl.limiters[key]
	if !ok {
		l = &sessionLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

// Remaining returns how many questions key could ask immediately.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		return rl.burst
	}
	return max(0, int(l.lim.TokensAt(rl.now())))
}
