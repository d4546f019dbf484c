// Package ratelimit throttles outbound calls to the upstream pair-data API
// (spec §4.3): the DEX Client's hot-config and cold-config instances each
// hold their own token bucket sized from settings, so a burst on one
// sweep's Client cannot starve the other's budget.
package ratelimit

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"
)

// Config sizes one Client's token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns sensible defaults; DEX Client overrides these from
// spec §5's hot/cold per-group rate budgets.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		Burst:             200,
	}
}

// Limiter wraps golang.org/x/time/rate with the defaulting the DEX Client
// relies on when settings hand it a zero value.
type Limiter struct {
	bucket *rate.Limiter
}

// New builds a Limiter from cfg, defaulting Burst to 2x the configured rate
// when unset so a cold-started Client can clear its first batch immediately.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Wait blocks until a token is available or ctx is done, letting the DEX
// Client's per-call context deadline (spec §5) bound how long a queued
// request can sit behind the bucket.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Allow reports whether a request may proceed without waiting.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

// Client pairs an *http.Client with a Limiter so every outbound pair-data
// request the DEX Client issues passes through the budget before it leaves
// the process.
type Client struct {
	http    *http.Client
	limiter *Limiter
}

// NewClient constructs a rate-limited HTTP client for one DEX Client
// instance (hot-config or cold-config), each getting its own Limiter so the
// two never share a bucket.
func NewClient(httpClient *http.Client, cfg Config) *Client {
	return &Client{
		http:    httpClient,
		limiter: New(cfg),
	}
}

// Do waits for a token bounded by req's context, then issues req.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}
