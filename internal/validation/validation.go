// Package validation implements the Validation Layer (spec §4.5): it
// classifies an aggregated Metrics record as ok/warning/critical and
// attaches machine-readable issue tags. Struct-shape checks (negative
// values, missing required fields) are expressed as validator/v10 tags so
// malformed data is rejected the same way the rest of the stack validates
// typed input, rather than via ad hoc field-by-field comparisons.
package validation

import (
	"github.com/go-playground/validator/v10"

	"github.com/R3E-Network/solpump-scout/internal/token"
)

// Verdict is the outcome of validating one Metrics record.
type Verdict string

const (
	VerdictOK       Verdict = "ok"
	VerdictWarning  Verdict = "warning"
	VerdictCritical Verdict = "critical"
)

// Issue tags recorded in Metrics.Flags.
const (
	FlagMalformed            = "malformed"
	FlagNegativeValue         = "negative_value"
	FlagNoUsablePools         = "no_usable_pools"
	FlagHighLiquidityNoTxns   = "high_liquidity_no_txns"
	FlagManyTxnsNoPriceChange = "many_txns_no_price_change"
	FlagSuspiciousPriceChange = "suspicious_price_change"
)

// shapeCheck is the struct validator/v10 runs to catch negative values and
// missing required fields before threshold logic ever sees the record.
type shapeCheck struct {
	LiquidityUSD      float64 `validate:"min=0"`
	TxCount5m         int64   `validate:"min=0"`
	TxCount1h         int64   `validate:"min=0"`
	Volume5m          float64 `validate:"min=0"`
	Volume1h          float64 `validate:"min=0"`
	HoursSinceCreated float64 `validate:"min=0"`
}

var validate = validator.New()

// Config carries the threshold settings from spec §6 that gate warnings.
type Config struct {
	MinLiquidityForWarnings   float64
	MinTransactionsForWarnings int64
	MaxPriceChange5m          float64
}

// Result is the Validation Layer's output.
type Result struct {
	Verdict Verdict
	Flags   []string
}

// Validate classifies metrics per spec §4.5's three-tier rule, also taking
// the raw price-change-5m reading (not itself part of Metrics) to check the
// suspicious-swing warning.
func Validate(m token.Metrics, priceChange5m float64, cfg Config) Result {
	// No usable pools is explicitly non-fatal (spec §4.4 rule 4): the
	// Aggregator already zeroed every metric, so scoring proceeds on that
	// zeroed record rather than routing into the Scoring Service's
	// emergency-fallback path reserved for Critical (negative/malformed/
	// missing-field) data.
	if m.NoUsablePools {
		return Result{Verdict: VerdictWarning, Flags: []string{FlagNoUsablePools}}
	}

	check := shapeCheck{
		LiquidityUSD:      m.LiquidityUSD,
		TxCount5m:         m.TxCount5m,
		TxCount1h:         m.TxCount1h,
		Volume5m:          m.Volume5m,
		Volume1h:          m.Volume1h,
		HoursSinceCreated: m.HoursSinceCreated,
	}
	if err := validate.Struct(check); err != nil {
		return Result{Verdict: VerdictCritical, Flags: []string{FlagNegativeValue}}
	}

	var flags []string
	if m.LiquidityUSD >= cfg.MinLiquidityForWarnings && m.TxCount5m == 0 {
		flags = append(flags, FlagHighLiquidityNoTxns)
	}
	if m.TxCount5m >= cfg.MinTransactionsForWarnings && priceChange5m == 0 {
		flags = append(flags, FlagManyTxnsNoPriceChange)
	}
	if abs(priceChange5m) > cfg.MaxPriceChange5m {
		flags = append(flags, FlagSuspiciousPriceChange)
	}

	if len(flags) > 0 {
		return Result{Verdict: VerdictWarning, Flags: flags}
	}
	return Result{Verdict: VerdictOK}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
