// Package service implements the Scoring Service (spec §4.8): the
// orchestration that turns aggregated metrics into a persisted ScoreSnapshot,
// reading its tunables from the Settings Store and delegating the pure math
// to scoring/component and scoring/smoother.
package service

import (
	"context"
	"sort"
	"time"

	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/repository"
	"github.com/R3E-Network/solpump-scout/internal/scoring/component"
	"github.com/R3E-Network/solpump-scout/internal/scoring/smoother"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/token"
	"github.com/R3E-Network/solpump-scout/internal/validation"
)

// Service is the Scoring Service.
type Service struct {
	settings *settings.Settings
	repo     repository.Repository
	log      *logging.Logger
}

// New constructs a Service.
func New(s *settings.Settings, repo repository.Repository, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("scoring")
	}
	return &Service{settings: s, repo: repo, log: log}
}

// Input bundles everything CalculateAndPersist needs about one tick's fetch
// for one token, beyond what Settings already supplies.
type Input struct {
	Token         token.Token
	Metrics       token.Metrics
	PriceChange5m float64
	Validation    validation.Result
	Pools         []token.Pool
	SpamMetrics   *token.SpamMetrics
}

const medianWindowSize = 10

// CalculateAndPersist runs the full metrics→components→smoothing→final-score
// pipeline for one token and writes the resulting snapshot.
func (s *Service) CalculateAndPersist(ctx context.Context, in Input) (token.ScoreSnapshot, error) {
	prior, hasPrior, err := s.repo.GetLatestSnapshot(ctx, in.Token.ID)
	if err != nil {
		return token.ScoreSnapshot{}, err
	}

	model := s.settings.Get(ctx, settings.KeyScoringModelActive)
	alpha := s.settings.GetFloat(ctx, settings.KeyEwmaAlpha)

	if in.Validation.Verdict == validation.VerdictCritical {
		return s.emergencyFallback(ctx, in, prior, hasPrior, model)
	}

	weights := map[string]float64{
		token.ComponentTxAccel:     s.settings.GetFloat(ctx, settings.KeyWeightTx),
		token.ComponentVolMomentum: s.settings.GetFloat(ctx, settings.KeyWeightVol),
		token.ComponentFreshness:   s.settings.GetFloat(ctx, settings.KeyWeightFresh),
		token.ComponentOrderflow:   s.settings.GetFloat(ctx, settings.KeyWeightOI),
	}

	raw := s.computeRawComponents(ctx, in)
	rawFinal := 0.0
	for name, w := range weights {
		rawFinal += w * raw[name]
	}

	smoothedComponents := make(map[string]float64, len(token.AllComponents))
	for _, name := range token.AllComponents {
		prevVal, found := prior.LatestSmoothed(name)
		p := smoother.Prior(prevVal, found && hasPrior, raw[name])
		sm, err := smoother.Smooth(raw[name], p, alpha)
		if err != nil {
			return token.ScoreSnapshot{}, err
		}
		smoothedComponents[name] = sm
	}

	prevFinal, foundFinal := prior.LatestSmoothed(token.ComponentFinalScore)
	finalPrior := smoother.Prior(prevFinal, foundFinal && hasPrior, rawFinal)
	smoothedFinal, err := smoother.Smooth(rawFinal, finalPrior, alpha)
	if err != nil {
		return token.ScoreSnapshot{}, err
	}

	rawComponents := make(map[string]float64, len(raw)+1)
	for k, v := range raw {
		rawComponents[k] = v
	}
	rawComponents[token.ComponentFinalScore] = rawFinal
	smoothedComponents[token.ComponentFinalScore] = smoothedFinal

	m := in.Metrics
	m.Verdict = string(in.Validation.Verdict)
	m.Flags = in.Validation.Flags

	minScoreChange := s.settings.GetFloat(ctx, settings.KeyMinScoreChange)
	noSignificantChange := hasPrior && in.Validation.Verdict == validation.VerdictOK &&
		abs(smoothedFinal-prevFinal) < minScoreChange

	snap := token.ScoreSnapshot{
		Score:               rawFinal,
		SmoothedScore:       smoothedFinal,
		RawComponents:       rawComponents,
		SmoothedComponents:  smoothedComponents,
		ScoringModel:        model,
		Metrics:             m,
		SpamMetrics:         in.SpamMetrics,
		NoSignificantChange: noSignificantChange,
		Pools:               in.Pools,
	}

	return s.repo.InsertScoreSnapshot(ctx, in.Token.ID, snap)
}

func (s *Service) computeRawComponents(ctx context.Context, in Input) map[string]float64 {
	mode := s.settings.Get(ctx, settings.KeyTxCalculationMode)
	freshnessThreshold := s.settings.GetFloat(ctx, settings.KeyFreshnessThresholdHours)

	var txComponent float64
	if mode == "arbitrage_activity" {
		txComponent = component.TxArbitrage(in.Metrics.TxCount5m, in.Metrics.TxCount1h, component.TxArbitrageParams{
			MinTx5m:            int64(s.settings.GetInt(ctx, settings.KeyArbitrageMinTx5m)),
			OptimalTx5m:        int64(s.settings.GetInt(ctx, settings.KeyArbitrageOptimalTx5m)),
			AccelerationWeight: s.settings.GetFloat(ctx, settings.KeyArbitrageAccelerationWeight),
		})
	} else {
		txComponent = component.TxAccel(in.Metrics.TxCount5m, in.Metrics.TxCount1h)
	}

	return map[string]float64{
		token.ComponentTxAccel:     txComponent,
		token.ComponentVolMomentum: component.VolMomentum(in.Metrics.Volume5m, in.Metrics.Volume1h),
		token.ComponentFreshness:   component.TokenFreshness(in.Metrics.HoursSinceCreated, freshnessThreshold),
		token.ComponentOrderflow:   component.OrderflowImbalance(in.Metrics.BuysVolume5m, in.Metrics.SellsVolume5m),
	}
}

// emergencyFallback handles the Critical-verdict path (spec §4.8): the
// snapshot carries a fallback score derived from recent smoothed-final
// history, and the EWMA state is left untouched by writing the prior's
// smoothed components back unchanged.
func (s *Service) emergencyFallback(ctx context.Context, in Input, prior token.ScoreSnapshot, hasPrior bool, model string) (token.ScoreSnapshot, error) {
	history, err := s.repo.SnapshotHistory(ctx, in.Token.ID, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		return token.ScoreSnapshot{}, err
	}

	fallbackScore := 0.0
	if med, ok := medianOfLastSmoothedFinal(history, medianWindowSize); ok {
		fallbackScore = 0.5 * med
	}

	smoothedComponents := map[string]float64{}
	if hasPrior {
		for k, v := range prior.SmoothedComponents {
			smoothedComponents[k] = v
		}
	}

	m := in.Metrics
	m.Verdict = string(validation.VerdictCritical)
	m.Flags = in.Validation.Flags

	snap := token.ScoreSnapshot{
		Score:               fallbackScore,
		SmoothedScore:       fallbackScore,
		RawComponents:       map[string]float64{token.ComponentFinalScore: fallbackScore},
		SmoothedComponents:  smoothedComponents,
		ScoringModel:        model,
		Metrics:             m,
		SpamMetrics:         in.SpamMetrics,
		EmergencyFallback:   true,
		Pools:               in.Pools,
	}
	return s.repo.InsertScoreSnapshot(ctx, in.Token.ID, snap)
}

func medianOfLastSmoothedFinal(history []token.ScoreSnapshot, window int) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	values := make([]float64, 0, len(history)-start)
	for _, snap := range history[start:] {
		if v, ok := snap.LatestSmoothed(token.ComponentFinalScore); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid], true
	}
	return (values[mid-1] + values[mid]) / 2, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
