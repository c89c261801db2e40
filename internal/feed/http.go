package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

// DefaultTimeout bounds a whole feed fetch, body included.
const DefaultTimeout = 20 * time.Second

// DefaultMaxBodyBytes caps how much of a feed is read.
const DefaultMaxBodyBytes = 32 << 20

// HTTPFetcher retrieves feeds over HTTP and extracts their items.
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBody   int64
}

var _ model.FeedFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. A zero timeout means DefaultTimeout.
func NewHTTPFetcher(client *http.Client, timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPFetcher{
		client:    client,
		timeout:   timeout,
		userAgent: userAgent,
		maxBody:   DefaultMaxBodyBytes,
	}
}

// FetchItems downloads feedURL and parses it. Every failure is returned as
// a *model.FetchError.
func (f *HTTPFetcher) FetchItems(ctx context.Context, feedURL string) ([]model.RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, err := f.get(ctx, feedURL)
	if err != nil {
		return nil, &model.FetchError{URL: feedURL, Err: err}
	}

	items, err := Parse(body)
	if err != nil {
		return nil, &model.FetchError{URL: feedURL, Err: err}
	}
	return items, nil
}

func (f *HTTPFetcher) get(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, application/json;q=0.9, */*;q=0.8")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("unexpected status fetching %s", feedURL),
		}
	}

	// One byte past the cap tells a full feed from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", model.ErrFeedTooLarge, f.maxBody)
	}
	return body, nil
}

// parseRetryAfter parses the Retry-After header value into a duration.
// Supports seconds format (e.g. "120"). Returns zero if absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
