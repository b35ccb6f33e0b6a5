package bioverse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// userAgentRoundTripper sets the User-Agent on every outbound request.
type userAgentRoundTripper struct {
	wrapped   http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.wrapped.RoundTrip(clone)
}

// hostLimiter keeps one token bucket per upstream host so a burst of
// resolutions does not hammer a single archive.
type hostLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &hostLimiter{rps: rate.Limit(rps), burst: burst, limiters: map[string]*rate.Limiter{}}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	if h == nil || h.rps <= 0 {
		return nil
	}
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}

// fetcher performs GETs with retry, a body size cap and per-host rate limiting.
type fetcher struct {
	client  *http.Client
	policy  RetryPolicy
	maxBody int64
	limits  *hostLimiter
}

func newFetcher(cfg Config) *fetcher {
	return &fetcher{
		client: &http.Client{
			Transport: &userAgentRoundTripper{
				wrapped:   http.DefaultTransport,
				userAgent: cfg.Outbound.UserAgent,
			},
		},
		policy:  cfg.retryPolicy(),
		maxBody: cfg.Outbound.maxBodyBytes,
		limits:  newHostLimiter(cfg.Outbound.RatePerHost, cfg.Outbound.Burst),
	}
}

// get fetches rawURL, retrying transient failures. It returns the number of
// tries made alongside the body.
func (f *fetcher) get(ctx context.Context, rawURL, accept string) ([]byte, int, error) {
	return withRetry(ctx, f.policy, func(ctx context.Context) ([]byte, error) {
		return f.getOnce(ctx, rawURL, accept)
	})
}

func (f *fetcher) getOnce(ctx context.Context, rawURL, accept string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if err := f.limits.wait(ctx, u.Host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}

	limit := f.maxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %s", ErrPayloadTooLarge, formatBytes(uint64(limit)))
	}
	return body, nil
}

const defaultMaxBody = 64 << 20
