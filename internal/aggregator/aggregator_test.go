package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/solpump-scout/internal/dexclient"
)

func pairWith(dexID, quote string, liquidityUSD float64) dexclient.Pair {
	var p dexclient.Pair
	p.DexID = dexID
	p.QuoteToken.Symbol = quote
	p.Liquidity.USD = liquidityUSD
	p.PairAddress = "pool-" + dexID
	return p
}

func TestAggregate_ExcludesLaunchpadNativeAndUnrecognizedQuote(t *testing.T) {
	pairs := []dexclient.Pair{
		pairWith("pumpfun", "SOL", 10_000),
		pairWith("meteora", "BONK", 5_000),
		pairWith("raydium", "SOL", 300),
	}
	res := Aggregate(pairs, Config{}, time.Now())
	require.False(t, res.NoUsablePools)
	require.Len(t, res.Pools, 1)
	require.Equal(t, "pool-raydium", res.Pools[0].Address)
	require.Equal(t, "raydium", res.Metrics.PrimaryDex)
	require.Equal(t, 300.0, res.Metrics.LiquidityUSD)
}

func TestAggregate_NoUsablePoolsWhenAllFiltered(t *testing.T) {
	pairs := []dexclient.Pair{pairWith("pumpfun", "SOL", 10_000)}
	res := Aggregate(pairs, Config{}, time.Now())
	require.True(t, res.NoUsablePools)
}

func TestAggregate_MinPoolLiquidityFilter(t *testing.T) {
	pairs := []dexclient.Pair{pairWith("raydium", "SOL", 100)}
	res := Aggregate(pairs, Config{MinPoolLiquidityUSD: 500}, time.Now())
	require.True(t, res.NoUsablePools)
}

func TestAggregate_BuySellVolumeSplitProportionsToTxnCounts(t *testing.T) {
	p := pairWith("raydium", "SOL", 1000)
	p.Txns.M5.Buys = 3
	p.Txns.M5.Sells = 1
	p.Volume.M5 = 400

	res := Aggregate([]dexclient.Pair{p}, Config{}, time.Now())
	require.Equal(t, 300.0, res.Metrics.BuysVolume5m)
	require.Equal(t, 100.0, res.Metrics.SellsVolume5m)
}

func TestAggregate_ZeroTxnCountsYieldZeroBuySellSplit(t *testing.T) {
	p := pairWith("raydium", "SOL", 1000)
	p.Volume.M5 = 400
	res := Aggregate([]dexclient.Pair{p}, Config{}, time.Now())
	require.Equal(t, 0.0, res.Metrics.BuysVolume5m)
	require.Equal(t, 0.0, res.Metrics.SellsVolume5m)
}

func TestAggregate_PrimaryDexIsLargestLiquidityPool(t *testing.T) {
	pairs := []dexclient.Pair{
		pairWith("orca", "SOL", 200),
		pairWith("raydium", "SOL", 900),
	}
	res := Aggregate(pairs, Config{}, time.Now())
	require.Equal(t, "raydium", res.Metrics.PrimaryDex)
}

func TestAggregate_HoursSinceCreationFallsBackToTokenCreatedAt(t *testing.T) {
	created := time.Now().Add(-2 * time.Hour)
	res := Aggregate([]dexclient.Pair{pairWith("raydium", "SOL", 500)}, Config{}, created)
	require.InDelta(t, 2.0, res.Metrics.HoursSinceCreated, 0.05)
}
