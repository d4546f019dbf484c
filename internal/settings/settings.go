// Package settings implements the Settings Store (spec §4.1): a process-wide
// key/value config surface with compile-time defaults and a short-TTL
// in-memory read cache, grounded on infrastructure/cache's generic Cache.
package settings

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/solpump-scout/infrastructure/cache"
	"github.com/R3E-Network/solpump-scout/internal/apperrors"
	"github.com/R3E-Network/solpump-scout/internal/logging"
)

// Key enumerates the closed set of recognized settings (spec §6).
type Key string

const (
	KeyScoringModelActive         Key = "scoring_model_active"
	KeyTxCalculationMode          Key = "tx_calculation_mode"
	KeyWeightTx                   Key = "w_tx"
	KeyWeightVol                  Key = "w_vol"
	KeyWeightFresh                Key = "w_fresh"
	KeyWeightOI                   Key = "w_oi"
	KeyEwmaAlpha                  Key = "ewma_alpha"
	KeyFreshnessThresholdHours    Key = "freshness_threshold_hours"
	KeyMinScore                   Key = "min_score"
	KeyMinScoreChange             Key = "min_score_change"
	KeyArchiveBelowHours          Key = "archive_below_hours"
	KeyMonitoringTimeoutHours     Key = "monitoring_timeout_hours"
	KeyActivationMinLiquidityUSD  Key = "activation_min_liquidity_usd"
	KeyMinPoolLiquidityUSD        Key = "min_pool_liquidity_usd"
	KeyMaxPriceChange5m           Key = "max_price_change_5m"
	KeyMinLiquidityForWarnings    Key = "min_liquidity_for_warnings"
	KeyMinTransactionsForWarnings Key = "min_transactions_for_warnings"
	KeyHotIntervalSec             Key = "hot_interval_sec"
	KeyColdIntervalSec            Key = "cold_interval_sec"
	KeyArbitrageMinTx5m           Key = "arbitrage_min_tx_5m"
	KeyArbitrageOptimalTx5m       Key = "arbitrage_optimal_tx_5m"
	KeyArbitrageAccelerationWeight Key = "arbitrage_acceleration_weight"
	KeyNotarbMinScore             Key = "notarb_min_score"
	KeyNotarbMaxSpamPercentage    Key = "notarb_max_spam_percentage"
	KeySpamWhitelistWallets       Key = "spam_whitelist_wallets"
)

// defaults holds the compile-time fallback for every recognized key.
var defaults = map[Key]string{
	KeyScoringModelActive:         "hybrid_momentum",
	KeyTxCalculationMode:          "acceleration",
	KeyWeightTx:                   "0.25",
	KeyWeightVol:                  "0.25",
	KeyWeightFresh:                "0.25",
	KeyWeightOI:                   "0.25",
	KeyEwmaAlpha:                  "0.3",
	KeyFreshnessThresholdHours:    "6.0",
	KeyMinScore:                   "0.1",
	KeyMinScoreChange:             "0.05",
	KeyArchiveBelowHours:          "12",
	KeyMonitoringTimeoutHours:     "12",
	KeyActivationMinLiquidityUSD:  "200",
	KeyMinPoolLiquidityUSD:        "500",
	KeyMaxPriceChange5m:           "0.5",
	KeyMinLiquidityForWarnings:    "1000",
	KeyMinTransactionsForWarnings: "10",
	KeyHotIntervalSec:             "10",
	KeyColdIntervalSec:            "45",
	KeyArbitrageMinTx5m:           "50",
	KeyArbitrageOptimalTx5m:       "200",
	KeyArbitrageAccelerationWeight: "0.3",
	KeyNotarbMinScore:             "0.5",
	KeyNotarbMaxSpamPercentage:    "50",
	KeySpamWhitelistWallets:       "",
}

// Store is the durable key/value backend the Settings Store reads through
// and writes to. The Repository implements this for Postgres; an in-memory
// implementation backs tests.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

const cacheTTL = 15 * time.Second

// Settings is the process-wide Settings Store.
type Settings struct {
	store Store
	cache *cache.TTLCache
	log   *logging.Logger

	mu           sync.Mutex
	warnedOnce   map[string]bool
}

// New constructs a Settings Store backed by store, with a 15s read cache.
func New(store Store, log *logging.Logger) *Settings {
	if log == nil {
		log = logging.NewDefault("settings")
	}
	return &Settings{
		store:      store,
		cache:      cache.NewTTLCache(cacheTTL),
		log:        log,
		warnedOnce: make(map[string]bool),
	}
}

// Get returns the string value for key, consulting the cache first, then the
// durable store, falling back to the compile-time default.
func (s *Settings) Get(ctx context.Context, key Key) string {
	if v, ok := s.cache.Get(ctx, string(key)); ok {
		return v.(string)
	}

	def, known := defaults[key]
	if !known {
		// Unknown keys never reach storage on read; return empty and let
		// callers fall back to their own literal default, same as an unset key.
		return ""
	}

	val, found, err := s.store.GetSetting(ctx, string(key))
	if err != nil || !found {
		if err != nil {
			s.log.WithField("key", key).WithError(err).Warn("settings read failed, using default")
		}
		s.cache.Set(ctx, string(key), def)
		return def
	}
	s.cache.Set(ctx, string(key), val)
	return val
}

// Set writes a value for key, failing with ErrUnknownKey if key is outside
// the closed enumeration, and invalidates the cache entry.
func (s *Settings) Set(ctx context.Context, key Key, value string) error {
	if _, known := defaults[key]; !known {
		return apperrors.ErrUnknownKey
	}
	if err := s.store.SetSetting(ctx, string(key), value); err != nil {
		return err
	}
	s.cache.Delete(ctx, string(key))
	return nil
}

// GetFloat parses key as a float64, falling back to the compile-time default
// (warning logged once per cache refresh) on parse failure.
func (s *Settings) GetFloat(ctx context.Context, key Key) float64 {
	raw := s.Get(ctx, key)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.warnOnce(key, raw)
		def, _ := strconv.ParseFloat(defaults[key], 64)
		return def
	}
	return v
}

// GetInt parses key as an int, falling back to the compile-time default on
// parse failure.
func (s *Settings) GetInt(ctx context.Context, key Key) int {
	raw := s.Get(ctx, key)
	v, err := strconv.Atoi(raw)
	if err != nil {
		s.warnOnce(key, raw)
		def, _ := strconv.Atoi(defaults[key])
		return def
	}
	return v
}

func (s *Settings) warnOnce(key Key, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cacheKey := string(key) + ":" + raw
	if s.warnedOnce[cacheKey] {
		return
	}
	s.warnedOnce[cacheKey] = true
	s.log.WithField("key", key).WithField("value", raw).Warn("invalid setting value, using default")
}

// Default returns the compile-time default for key, for callers (like tests)
// that want to assert against the documented table in spec §6.
func Default(key Key) string { return defaults[key] }
