package smoother

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/solpump-scout/internal/apperrors"
)

func TestSmooth_Step(t *testing.T) {
	got, err := Smooth(1.2, 0.8, 0.3)
	require.NoError(t, err)
	require.InDelta(t, 0.92, got, 1e-9)
}

// TestSmooth_AlphaOneIsIdentity covers the universal property: with alpha=1,
// smoothed always equals current.
func TestSmooth_AlphaOneIsIdentity(t *testing.T) {
	got, err := Smooth(0.42, 0.9, 1)
	require.NoError(t, err)
	require.Equal(t, 0.42, got)
}

// TestSmooth_AlphaZeroIsPrior covers the universal property: with alpha=0,
// smoothed always equals prev.
func TestSmooth_AlphaZeroIsPrior(t *testing.T) {
	got, err := Smooth(0.42, 0.9, 0)
	require.NoError(t, err)
	require.Equal(t, 0.9, got)
}

func TestSmooth_OutOfRangeAlpha(t *testing.T) {
	_, err := Smooth(1, 1, 1.5)
	require.ErrorIs(t, err, apperrors.ErrInvalidAlpha)

	_, err = Smooth(1, 1, -0.1)
	require.ErrorIs(t, err, apperrors.ErrInvalidAlpha)
}

func TestPrior_FallsBackToCurrentWhenAbsent(t *testing.T) {
	require.Equal(t, 0.5, Prior(0, false, 0.5))
	require.Equal(t, 0.7, Prior(0.7, true, 0.5))
}
