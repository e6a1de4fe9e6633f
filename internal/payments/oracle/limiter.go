package oracle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// GatewayLimiter keeps one token bucket per gateway so a burst of callback
// pages for one gateway cannot starve the others.
type GatewayLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewGatewayLimiter creates a limiter; non-positive values fall back to defaults.
func NewGatewayLimiter(rps float64, burst int) *GatewayLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 10
	}
	return &GatewayLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until gateway may issue one request or ctx is done.
func (l *GatewayLimiter) Wait(ctx context.Context, gateway string) error {
	if l == nil {
		return nil
	}
	return l.getLimiter(gateway).Wait(ctx)
}

func (l *GatewayLimiter) getLimiter(gateway string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[gateway]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[gateway] = limiter
	}
	return limiter
}
