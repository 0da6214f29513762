package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vjranagit/tsreport/pkg/types"
)

// HTTPConfig points at a remote store's fetch endpoint.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// HTTPFetcher calls GET {BaseURL}/api/v1/fetch?address=... on a remote
// store.
type HTTPFetcher struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher creates an HTTP fetcher
func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http fetch base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	f := &HTTPFetcher{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return f, nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, address string) (types.Samples, error) {
	ctx, span := startSpan(ctx, "http", address)
	defer span.End()
	started := time.Now()

	samples, err := f.fetch(ctx, address)
	observe(span, "http", started, samples, err)
	return samples, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, address string) (types.Samples, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := f.base + "/api/v1/fetch?" + url.Values{"address": {address}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Source: "http", Address: address, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{
			Source:  "http",
			Address: address,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var body types.FetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransportError{Source: "http", Address: address, Err: fmt.Errorf("decode response: %w", err)}
	}
	return body.Samples(), nil
}
