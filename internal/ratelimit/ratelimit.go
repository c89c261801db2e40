package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/amishk599/jobfeed/internal/model"
)

// HostLimiter enforces a token-bucket rate per feed host. Feeds served by the
// same host share one bucket; different hosts never block each other.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter // key: URL host
	r        rate.Limit
	burst    int
}

// NewHostLimiter creates a limiter allowing reqPerSec sustained requests per
// host with the given burst. A non-positive reqPerSec disables limiting.
func NewHostLimiter(reqPerSec float64, burst int) *HostLimiter {
	r := rate.Limit(reqPerSec)
	if reqPerSec <= 0 {
		r = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

func (l *HostLimiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(l.r, l.burst)
	l.limiters[host] = lim
	return lim
}

// Wait blocks until a request to host is allowed.
// Returns an error if the context is cancelled while waiting.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if err := l.limiterFor(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", host, err)
	}
	return nil
}

// WaitURL is Wait keyed by the host of rawURL. Unparseable URLs share a
// single bucket.
func (l *HostLimiter) WaitURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return l.Wait(ctx, "_")
	}
	return l.Wait(ctx, u.Host)
}

// RateLimitedFetcher is a decorator that enforces per-host rate limiting
// before delegating to the wrapped FeedFetcher.
type RateLimitedFetcher struct {
	inner   model.FeedFetcher
	limiter *HostLimiter
}

// NewRateLimitedFetcher wraps a FeedFetcher with per-host rate limiting.
func NewRateLimitedFetcher(inner model.FeedFetcher, limiter *HostLimiter) *RateLimitedFetcher {
	return &RateLimitedFetcher{
		inner:   inner,
		limiter: limiter,
	}
}

// FetchItems waits for the rate limiter to allow a request, then delegates to
// the wrapped fetcher.
func (f *RateLimitedFetcher) FetchItems(ctx context.Context, feedURL string) ([]model.RawItem, error) {
	if err := f.limiter.WaitURL(ctx, feedURL); err != nil {
		return nil, &model.FetchError{URL: feedURL, Err: err}
	}
	return f.inner.FetchItems(ctx, feedURL)
}
