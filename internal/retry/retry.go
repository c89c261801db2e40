// Package retry re-fetches feeds whose hosts fail transiently.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

// DefaultMaxDelay bounds a single wait between fetch attempts. A feed host
// asking for a longer pause through Retry-After is left for the next
// scheduled run instead.
const DefaultMaxDelay = time.Minute

// RetryFetcher is a decorator that retries transient fetch failures with
// exponential backoff and jitter before delegating to the wrapped FeedFetcher.
type RetryFetcher struct {
	inner      model.FeedFetcher
	maxRetries int
	backoff    model.Backoff
	maxDelay   time.Duration
	logger     *slog.Logger
}

// NewRetryFetcher wraps a FeedFetcher with retry logic.
// maxRetries is the number of additional attempts after the first failure.
// baseDelay is the delay before the first retry, doubled on each subsequent retry.
func NewRetryFetcher(inner model.FeedFetcher, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *RetryFetcher {
	return &RetryFetcher{
		inner:      inner,
		maxRetries: maxRetries,
		backoff:    model.Backoff{Type: model.BackoffExponential, Delay: baseDelay},
		maxDelay:   DefaultMaxDelay,
		logger:     logger,
	}
}

// FetchItems fetches the feed, retrying while the failure looks transient.
func (f *RetryFetcher) FetchItems(ctx context.Context, feedURL string) ([]model.RawItem, error) {
	logger := f.logger.With("feed", feedURL, "feed_host", host(feedURL))

	for attempt := 0; ; attempt++ {
		items, err := f.inner.FetchItems(ctx, feedURL)
		if err == nil {
			if attempt > 0 {
				logger.Info("feed fetch recovered", "retries", attempt)
			}
			return items, nil
		}

		retry, why := classify(err)
		if !retry {
			if attempt > 0 {
				logger.Debug("not retrying feed fetch", "reason", why, "error", err)
			}
			return nil, err
		}
		if attempt >= f.maxRetries {
			return nil, err
		}

		delay, ok := f.delayFor(attempt+1, err)
		if !ok {
			logger.Warn("feed host asked to back off longer than allowed, giving up",
				"retry_after", delay,
				"max_delay", f.maxDelay,
			)
			return nil, err
		}

		logger.Warn("retrying feed fetch",
			"reason", why,
			"attempt", attempt+1,
			"max_retries", f.maxRetries,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// delayFor returns the wait before retry number attempt. A Retry-After from
// the host wins over the backoff; ok is false when it exceeds maxDelay.
// Computed delays get ±30% jitter and are capped at maxDelay.
func (f *RetryFetcher) delayFor(attempt int, err error) (time.Duration, bool) {
	var httpErr *model.HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter, httpErr.RetryAfter <= f.maxDelay
	}

	delay := f.backoff.After(attempt)
	jitter := float64(delay) * 0.3
	delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
	return min(delay, f.maxDelay), true
}

// classify decides whether a failed fetch is worth another attempt and
// names the reason for the logs.
func classify(err error) (retry bool, why string) {
	var httpErr *model.HTTPError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false, "cancelled"
	case errors.Is(err, model.ErrMalformedFeed):
		return false, "malformed feed"
	case errors.Is(err, model.ErrFeedTooLarge):
		return false, "feed too large"
	case errors.As(err, &httpErr):
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return true, "rate limited"
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return true, "request timeout"
		case httpErr.StatusCode >= 500:
			return true, "server error"
		default:
			return false, fmt.Sprintf("HTTP %d", httpErr.StatusCode)
		}
	default:
		// Network, DNS, TLS and reset connections.
		return true, "network error"
	}
}

func host(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return ""
	}
	return u.Host
}
