package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// HTTPStore fetches artifacts from a static file host by well-known path,
// the same access pattern the original deployment uses for its index and
// feature files. Each Open downloads the whole artifact; artifacts are
// immutable, so the caller is expected to hold the Blob for the session.
type HTTPStore struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.client = c }
}

// WithRateLimit bounds artifact fetches to r requests per second with the
// given burst. Map interaction can trigger bursts of partition loads; this
// keeps a misbehaving client from hammering the artifact host.
func WithRateLimit(r rate.Limit, burst int) HTTPOption {
	return func(s *HTTPStore) { s.limiter = rate.NewLimiter(r, burst) }
}

// NewHTTPStore creates a store fetching from baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse artifact base url: %w", err)
	}
	s := &HTTPStore{
		base:    u,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open fetches the artifact and returns it as an in-memory Blob.
func (s *HTTPStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.JoinPath(name).String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %s", name, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	return NewMemoryBlob(data), nil
}
