// Package component implements the Component Calculator (spec §4.6): pure
// functions deriving the four scoring components from aggregated metrics.
// No I/O, no settings lookups beyond the values a caller already resolved —
// this package is exercised directly by the Scoring Service and is the unit
// the seed test scenarios in spec §8 target one-to-one.
package component

// TxAccel computes the transaction-acceleration component: the ratio of the
// 5-minute transaction rate to the trailing-hour transaction rate.
// tx_accel(100, 1200) = 1.0 exactly (spec §8 scenario 1).
func TxAccel(tx5m, tx1h int64) float64 {
	rate1h := float64(tx1h) / 60
	if rate1h == 0 {
		return 0
	}
	rate5m := float64(tx5m) / 5
	return rate5m / rate1h
}

// VolMomentum computes the volume-momentum component: 5-minute volume
// against the trailing-hour average 5-minute volume.
func VolMomentum(vol5m, vol1h float64) float64 {
	denom := vol1h / 12
	if denom == 0 {
		return 0
	}
	return vol5m / denom
}

// TokenFreshness returns a value in [0,1] that decays linearly from 1 (at
// hours=0) to 0 (at hours>=threshold).
func TokenFreshness(hoursSinceCreated, thresholdHours float64) float64 {
	if thresholdHours <= 0 {
		return 0
	}
	v := (thresholdHours - hoursSinceCreated) / thresholdHours
	if v < 0 {
		return 0
	}
	return v
}

// OrderflowImbalance returns a value in [-1,1]: positive when buy volume
// dominates, negative when sell volume dominates, 0 when equal or both zero.
func OrderflowImbalance(buysVolume, sellsVolume float64) float64 {
	denom := buysVolume + sellsVolume
	if denom <= 0 {
		return 0
	}
	return (buysVolume - sellsVolume) / denom
}

// TxArbitrageParams bundles the arbitrage-mode TX formula's tunables
// (spec §6: arbitrage_min_tx_5m, arbitrage_optimal_tx_5m,
// arbitrage_acceleration_weight).
type TxArbitrageParams struct {
	MinTx5m          int64
	OptimalTx5m      int64
	AccelerationWeight float64
}

// TxArbitrage is the alternative TX component formula, blending an absolute
// activity-level term with an acceleration term (spec §4.6, scenario 4).
func TxArbitrage(tx5m, tx1h int64, p TxArbitrageParams) float64 {
	absolute := absoluteActivity(tx5m, p.MinTx5m, p.OptimalTx5m)
	acceleration := accelerationTerm(tx5m, tx1h)
	return (1-p.AccelerationWeight)*absolute + p.AccelerationWeight*acceleration
}

func absoluteActivity(tx5m, minTx, optimalTx int64) float64 {
	switch {
	case tx5m < minTx:
		return 0
	case tx5m >= optimalTx:
		return 1
	default:
		span := float64(optimalTx - minTx)
		if span <= 0 {
			return 1
		}
		return float64(tx5m-minTx) / span
	}
}

func accelerationTerm(tx5m, tx1h int64) float64 {
	rate1h := float64(tx1h) / 60
	if rate1h <= 0 {
		return 0
	}
	rate5m := float64(tx5m) / 5
	ratio := rate5m / rate1h

	switch {
	case ratio < 1:
		return 0
	case ratio >= 2:
		return 1
	default:
		v := ratio - 1
		if v > 1 {
			v = 1
		}
		return v
	}
}
