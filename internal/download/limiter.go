package download

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	host        string
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(host string, initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		host:        host,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("download: reducing host rate after 429",
		zap.String("host", a.host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// hostLimiters lazily creates one AdaptiveLimiter per host.
type hostLimiters struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	byKey map[string]*AdaptiveLimiter
}

func newHostLimiters(perSecond float64) *hostLimiters {
	if perSecond <= 0 {
		return nil
	}
	burst := max(int(perSecond), 1)
	return &hostLimiters{rate: rate.Limit(perSecond), burst: burst, byKey: make(map[string]*AdaptiveLimiter)}
}

func (h *hostLimiters) forURL(rawURL string) *AdaptiveLimiter {
	if h == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.byKey[u.Host]
	if !ok {
		lim = NewAdaptiveLimiter(u.Host, h.rate, h.burst)
		h.byKey[u.Host] = lim
	}
	return lim
}
