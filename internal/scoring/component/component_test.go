package component

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxAccel_BaseCase(t *testing.T) {
	require.Equal(t, 1.0, TxAccel(100, 1200))
}

func TestTxAccel_ZeroDenominator(t *testing.T) {
	require.Equal(t, 0.0, TxAccel(100, 0))
}

func TestVolMomentum_ZeroDenominator(t *testing.T) {
	require.Equal(t, 0.0, VolMomentum(1000, 0))
}

func TestOrderflowImbalance_ZeroWhenBothZero(t *testing.T) {
	require.Equal(t, 0.0, OrderflowImbalance(0, 0))
}

func TestOrderflowImbalance_Bounds(t *testing.T) {
	require.Equal(t, 1.0, OrderflowImbalance(100, 0))
	require.Equal(t, -1.0, OrderflowImbalance(0, 100))
	require.Equal(t, 0.0, OrderflowImbalance(50, 50))
}

func TestTokenFreshness_Half(t *testing.T) {
	require.Equal(t, 0.5, TokenFreshness(3, 6))
}

func TestTokenFreshness_Bounds(t *testing.T) {
	require.Equal(t, 1.0, TokenFreshness(0, 6))
	require.Equal(t, 0.0, TokenFreshness(6, 6))
	require.Equal(t, 0.0, TokenFreshness(10, 6))
}

func TestTxArbitrage_BoundaryScenario(t *testing.T) {
	got := TxArbitrage(200, 600, TxArbitrageParams{MinTx5m: 50, OptimalTx5m: 200, AccelerationWeight: 0.3})
	require.InDelta(t, 1.0, got, 1e-9)
}

func TestTxArbitrage_BelowMinWithNoAccelerationIsZero(t *testing.T) {
	got := TxArbitrage(10, 600, TxArbitrageParams{MinTx5m: 50, OptimalTx5m: 200, AccelerationWeight: 0.3})
	require.InDelta(t, 0.0, got, 1e-9)
}
