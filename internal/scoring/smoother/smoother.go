// Package smoother implements the EWMA Smoother (spec §4.7): a pure,
// stateless recurrence over whatever prior the caller supplies. The Scoring
// Service is responsible for sourcing that prior from the latest snapshot —
// this package holds no state of its own (spec §3's EwmaState note).
package smoother

import "github.com/R3E-Network/solpump-scout/internal/apperrors"

// Smooth applies new = alpha*current + (1-alpha)*prev. prev is used
// unmodified as-is; callers that have no prior pass current as prev so the
// first observation seeds the series exactly (spec §4.7 "if absent,
// initialize prev = current").
func Smooth(current, prev, alpha float64) (float64, error) {
	if alpha < 0 || alpha > 1 {
		return 0, apperrors.ErrInvalidAlpha
	}
	return alpha*current + (1-alpha)*prev, nil
}

// Prior picks prev from an existing lookup, falling back to current when
// no prior value exists for this (token, component) pair.
func Prior(value float64, found bool, current float64) float64 {
	if !found {
		return current
	}
	return value
}
