// Package aggregator implements the Metrics Aggregator (spec §4.4): it
// collapses the pair records the DEX Client returns for one mint into a
// single Metrics record plus the pool list the Export Writer needs.
package aggregator

import (
	"time"

	"github.com/R3E-Network/solpump-scout/internal/dexclient"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// quoteAliases is the recognized set of accepted quote assets (spec §4.4
// rule 1, glossary "WSOL / SOL / USDC").
var quoteAliases = map[string]bool{
	"WSOL":  true,
	"SOL":   true,
	"W_SOL": true,
	"W-SOL": true,
	"USDC":  true,
}

// LaunchpadNativeDexIDs excludes the source launchpad's own classic pool
// type from scoring. Per the narrower open-question resolution (spec §9),
// this excludes only "pumpfun", not "pumpfun-amm"/"pumpswap"; the set stays
// configurable by callers who need a broader exclusion.
var LaunchpadNativeDexIDs = map[string]bool{
	"pumpfun": true,
}

// Config controls the filtering thresholds (settings-sourced in production).
type Config struct {
	MinPoolLiquidityUSD float64
	LaunchpadNativeIDs  map[string]bool
}

// Result is the Aggregator's output for one token.
type Result struct {
	Metrics       token.Metrics
	Pools         []token.Pool
	NoUsablePools bool
}

// Aggregate collapses pairs for one mint into a Result, using tokenCreatedAt
// as the freshness fallback when no kept pair carries pairCreatedAt.
func Aggregate(pairs []dexclient.Pair, cfg Config, tokenCreatedAt time.Time) Result {
	launchpadIDs := cfg.LaunchpadNativeIDs
	if launchpadIDs == nil {
		launchpadIDs = LaunchpadNativeDexIDs
	}

	kept := make([]dexclient.Pair, 0, len(pairs))
	for _, p := range pairs {
		if !quoteAliases[p.QuoteToken.Symbol] {
			continue
		}
		if launchpadIDs[p.DexID] {
			continue
		}
		if cfg.MinPoolLiquidityUSD > 0 && p.Liquidity.USD < cfg.MinPoolLiquidityUSD {
			continue
		}
		kept = append(kept, p)
	}

	if len(kept) < 1 {
		return Result{NoUsablePools: true, Metrics: token.Metrics{NoUsablePools: true}}
	}

	var (
		totalLiquidity                       float64
		txCount5m, txCount1h                 int64
		volume5m, volume1h                   float64
		buys5m, sells5m                      int64
		primaryDex                           string
		maxLiquidity                         float64
		earliestCreatedAtMS                  int64
		haveEarliestCreatedAt                bool
	)
	pools := make([]token.Pool, 0, len(kept))

	for _, p := range kept {
		totalLiquidity += p.Liquidity.USD
		txCount5m += p.Txns.M5.Buys + p.Txns.M5.Sells
		txCount1h += p.Txns.H1.Buys + p.Txns.H1.Sells
		volume5m += p.Volume.M5
		volume1h += p.Volume.H1
		buys5m += p.Txns.M5.Buys
		sells5m += p.Txns.M5.Sells

		if p.Liquidity.USD > maxLiquidity {
			maxLiquidity = p.Liquidity.USD
			primaryDex = p.DexID
		}

		if p.PairCreatedAt > 0 && (!haveEarliestCreatedAt || p.PairCreatedAt < earliestCreatedAtMS) {
			earliestCreatedAtMS = p.PairCreatedAt
			haveEarliestCreatedAt = true
		}

		pools = append(pools, token.Pool{
			Address: p.PairAddress,
			DexID:   p.DexID,
			Quote:   p.QuoteToken.Symbol,
		})
	}

	var buysVolume5m, sellsVolume5m float64
	if totalTxns := buys5m + sells5m; totalTxns > 0 {
		buysVolume5m = volume5m * float64(buys5m) / float64(totalTxns)
		sellsVolume5m = volume5m * float64(sells5m) / float64(totalTxns)
	}

	var createdAt time.Time
	if haveEarliestCreatedAt {
		createdAt = time.UnixMilli(earliestCreatedAtMS)
	} else {
		createdAt = tokenCreatedAt
	}
	hoursSince := time.Since(createdAt).Hours()
	if hoursSince < 0 {
		hoursSince = 0
	}

	return Result{
		Metrics: token.Metrics{
			LiquidityUSD:      totalLiquidity,
			TxCount5m:         txCount5m,
			TxCount1h:         txCount1h,
			Volume5m:          volume5m,
			Volume1h:          volume1h,
			BuysVolume5m:      buysVolume5m,
			SellsVolume5m:     sellsVolume5m,
			HoursSinceCreated: hoursSince,
			PrimaryDex:        primaryDex,
		},
		Pools: pools,
	}
}
