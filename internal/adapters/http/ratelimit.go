package httpadapter

import (
	"sync"

	"golang.org/x/time/rate"
)

// uploadRateLimiter throttles upload requests per user. The quota ledger is
// the authoritative limit; this only shields the API from bursts.
type uploadRateLimiter struct {
	mu      sync.Mutex
	perUser map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newUploadRateLimiter(perMinute int) *uploadRateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &uploadRateLimiter{
		perUser: map[string]*rate.Limiter{},
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

func (l *uploadRateLimiter) Allow(userID string) bool {
	l.mu.Lock()
	limiter, ok := l.perUser[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.perUser[userID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
