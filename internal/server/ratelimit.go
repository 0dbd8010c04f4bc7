package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit bounds webhook deliveries per provider.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type providerLimiter struct {
	cfg RateLimit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newProviderLimiter(cfg RateLimit) *providerLimiter {
	return &providerLimiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a delivery from provider may proceed. A zero
// limit disables throttling.
func (l *providerLimiter) Allow(provider string) bool {
	if l.cfg.RequestsPerSecond <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[provider]
	if !ok {
		burst := l.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), burst)
		l.limiters[provider] = lim
	}
	return lim.Allow()
}
