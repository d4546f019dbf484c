// Package dexclient implements the DEX Client (spec §4.3): a rate-limited,
// retrying, circuit-broken HTTP client for pair-data, with an optional TTL
// cache to absorb duplicate reads across the hot/cold sweeps. Grounded on
// infrastructure/ratelimit, infrastructure/resilience and infrastructure/cache,
// composed the way the teacher wires its own outbound HTTP clients.
package dexclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/R3E-Network/solpump-scout/infrastructure/cache"
	"github.com/R3E-Network/solpump-scout/infrastructure/ratelimit"
	"github.com/R3E-Network/solpump-scout/infrastructure/resilience"
	"github.com/R3E-Network/solpump-scout/internal/apperrors"
)

// Pair is one DEX pair record as returned by the upstream pair-data API
// (spec §6), trimmed to the fields the Aggregator consumes.
type Pair struct {
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	QuoteToken struct {
		Symbol string `json:"symbol"`
	} `json:"quoteToken"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Txns struct {
		M5 TxCount `json:"m5"`
		H1 TxCount `json:"h1"`
	} `json:"txns"`
	Volume struct {
		M5 float64 `json:"m5"`
		H1 float64 `json:"h1"`
	} `json:"volume"`
	PriceChange struct {
		M5  float64 `json:"m5"`
		H15 float64 `json:"h15"`
	} `json:"priceChange"`
	PairCreatedAt int64 `json:"pairCreatedAt"` // ms epoch, 0 if absent
}

// TxCount is a buy/sell transaction count pair.
type TxCount struct {
	Buys  int64 `json:"buys"`
	Sells int64 `json:"sells"`
}

type pairsResponse struct {
	Pairs []Pair `json:"pairs"`
}

// Config controls one Client instance. The Scheduler constructs two
// instances (hot-config, cold-config) with distinct timeouts/cache TTLs,
// matching spec §9's "no implicit shared HTTP client" note.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	CacheTTL          time.Duration
	RateLimit         ratelimit.Config
	CircuitBreaker    resilience.Config
	Retry             resilience.RetryConfig
	MaxBatchMints     int
}

// DefaultHotConfig matches the hot-group defaults from spec §5 (≤3s timeout).
func DefaultHotConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        3 * time.Second,
		CacheTTL:       15 * time.Second,
		RateLimit:      ratelimit.Config{RequestsPerSecond: 2, Burst: 4},
		CircuitBreaker: resilience.Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 1},
		Retry:          resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, Jitter: 0.2},
		MaxBatchMints:  30,
	}
}

// DefaultColdConfig matches the cold-group defaults from spec §5 (≤5s timeout).
func DefaultColdConfig(baseURL string) Config {
	cfg := DefaultHotConfig(baseURL)
	cfg.Timeout = 5 * time.Second
	cfg.CacheTTL = 30 * time.Second
	return cfg
}

// Client is the DEX pair-data client.
type Client struct {
	cfg     Config
	http    *ratelimit.Client
	breaker *resilience.CircuitBreaker
	cache   *cache.TTLCache
}

// New constructs a Client. cfg.BaseURL must already point at the pair-data
// endpoint (e.g. https://api.dexscreener.com/latest/dex/tokens).
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBatchMints <= 0 || cfg.MaxBatchMints > 30 {
		cfg.MaxBatchMints = 30
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:     cfg,
		http:    ratelimit.NewClient(httpClient, cfg.RateLimit),
		breaker: resilience.New(cfg.CircuitBreaker),
		cache:   cache.NewTTLCache(cfg.CacheTTL),
	}
}

// GetPairs fetches all pairs for a single mint.
func (c *Client) GetPairs(ctx context.Context, mint string) ([]Pair, error) {
	if v, ok := c.cache.Get(ctx, mint); ok {
		return v.([]Pair), nil
	}

	pairs, err := c.fetch(ctx, mint)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, mint, pairs)
	return pairs, nil
}

// GetPairsBatched joins up to cfg.MaxBatchMints mints per upstream call and
// groups the flat response by baseToken.address client-side.
func (c *Client) GetPairsBatched(ctx context.Context, mints []string, batchSize int) (map[string][]Pair, error) {
	if batchSize <= 0 || batchSize > c.cfg.MaxBatchMints {
		batchSize = c.cfg.MaxBatchMints
	}

	result := make(map[string][]Pair, len(mints))
	uncached := make([]string, 0, len(mints))
	for _, m := range mints {
		if v, ok := c.cache.Get(ctx, m); ok {
			result[m] = v.([]Pair)
			continue
		}
		uncached = append(uncached, m)
	}

	for start := 0; start < len(uncached); start += batchSize {
		end := start + batchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		batch := uncached[start:end]

		pairs, err := c.fetch(ctx, strings.Join(batch, ","))
		if err != nil {
			return result, err
		}

		grouped := make(map[string][]Pair, len(batch))
		for _, p := range pairs {
			grouped[p.BaseToken.Address] = append(grouped[p.BaseToken.Address], p)
		}
		for _, m := range batch {
			result[m] = grouped[m]
			c.cache.Set(ctx, m, grouped[m])
		}
	}
	return result, nil
}

// fetch runs one HTTP call through the circuit breaker and retry policy,
// retrying only on the transient classes named in spec §4.3.
func (c *Client) fetch(ctx context.Context, mintOrJoined string) ([]Pair, error) {
	var pairs []Pair
	var permanentErr error

	cbErr := c.breaker.Execute(ctx, func() error {
		err := resilience.Retry(ctx, c.cfg.Retry, func() error {
			p, err := c.doRequest(ctx, mintOrJoined)
			if err == nil {
				pairs = p
				return nil
			}
			if !isTransient(err) {
				permanentErr = err
				return nil // stop retrying; surfaced below
			}
			return err
		})
		if permanentErr != nil {
			return permanentErr
		}
		return err
	})

	if permanentErr != nil {
		return nil, permanentErr
	}
	if cbErr != nil {
		if cbErr == resilience.ErrCircuitOpen || cbErr == resilience.ErrTooManyRequests {
			return nil, apperrors.ErrCircuitOpen
		}
		return nil, cbErr
	}
	return pairs, nil
}

func (c *Client) doRequest(ctx context.Context, mintOrJoined string) ([]Pair, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + url.PathEscape(mintOrJoined)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeTimeout, "dex pair-data request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, rateLimitedError(resp)
	}
	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.ErrCodeUpstream5xx, fmt.Sprintf("dex pair-data upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ErrCodeInvalidData, fmt.Sprintf("dex pair-data unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeTimeout, "read dex pair-data response", err)
	}

	var parsed pairsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidData, "decode dex pair-data response", err)
	}
	return parsed.Pairs, nil
}

func rateLimitedError(resp *http.Response) error {
	retryAfter := resp.Header.Get("Retry-After")
	msg := "dex pair-data rate limited"
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			msg = fmt.Sprintf("%s, retry after %ds", msg, secs)
		}
	}
	return apperrors.New(apperrors.ErrCodeRateLimited, msg)
}

// isTransient reports whether err belongs to the retryable classes: timeout,
// rate-limited, or 5xx. Invalid-data and circuit-open are never retried here
// (circuit-open never reaches this layer; invalid data will not resolve on
// retry).
func isTransient(err error) bool {
	svcErr, ok := apperrors.AsServiceError(err)
	if !ok {
		return true // network-level errors without a code are transport faults
	}
	switch svcErr.Code {
	case apperrors.ErrCodeTimeout, apperrors.ErrCodeRateLimited, apperrors.ErrCodeUpstream5xx:
		return true
	default:
		return false
	}
}
