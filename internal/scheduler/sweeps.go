package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/solpump-scout/internal/aggregator"
	"github.com/R3E-Network/solpump-scout/internal/dexclient"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/spam"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// satisfiesActivation implements spec §4.10's activation criteria: at least
// one kept pool quoted in a recognized asset, above the liquidity floor, and
// outside the launchpad-native set.
func satisfiesActivation(pairs []dexclient.Pair, cfg aggregator.Config, minLiquidityUSD float64) bool {
	result := aggregator.Aggregate(pairs, cfg, time.Time{})
	return !result.NoUsablePools && result.Metrics.LiquidityUSD >= minLiquidityUSD
}

// tryActivateOrExpire evaluates one monitoring token against the activation
// and monitoring-timeout criteria, using pairs already fetched by the caller.
func (s *Scheduler) tryActivateOrExpire(ctx context.Context, tok token.Token, pairs []dexclient.Pair) {
	aggCfg := s.aggregatorConfig(ctx)
	minLiquidity := s.settings.GetFloat(ctx, settings.KeyActivationMinLiquidityUSD)

	// Activation is evaluated against raw per-pool liquidity against
	// activation_min_liquidity_usd, not the scoring aggregation's
	// min_pool_liquidity_usd floor (spec §4.10's own threshold, §8 scenario
	// 6) — an aggregator.Config with no min-pool floor keeps the two
	// thresholds independent.
	activationCfg := aggregator.Config{LaunchpadNativeIDs: aggCfg.LaunchpadNativeIDs}

	if satisfiesActivation(pairs, activationCfg, minLiquidity) {
		if err := s.repo.UpdateStatus(ctx, tok.ID, token.StatusActive); err != nil {
			s.log.WithField("mint", tok.MintAddress).WithField("error", err).Warn("activation status update failed")
			return
		}
		result := aggregator.Aggregate(pairs, aggCfg, tok.CreatedAt)
		name, symbol := tok.Name, tok.Symbol
		if name == "" || symbol == "" {
			if fillName, fillSymbol, ok := primaryPoolIdentity(pairs); ok {
				if name == "" {
					name = fillName
				}
				if symbol == "" {
					symbol = fillSymbol
				}
			}
		}
		if err := s.repo.UpdateCachedAttributes(ctx, tok.ID, name, symbol, result.Metrics.PrimaryDex, result.Metrics.LiquidityUSD); err != nil {
			s.log.WithField("mint", tok.MintAddress).WithField("error", err).Warn("cached attribute update failed")
		}
		return
	}

	timeoutHours := s.settings.GetFloat(ctx, settings.KeyMonitoringTimeoutHours)
	if time.Since(tok.CreatedAt).Hours() > timeoutHours {
		if err := s.repo.UpdateStatus(ctx, tok.ID, token.StatusArchived); err != nil {
			s.log.WithField("mint", tok.MintAddress).WithField("error", err).Warn("monitoring-timeout archive failed")
		}
	}
}

// runActivationSweep evaluates monitoring tokens that cold_refresh hasn't
// already resolved this cycle (e.g. freshly migrated mints).
func (s *Scheduler) runActivationSweep(ctx context.Context) {
	started := time.Now()
	monitoring, err := s.repo.ListByStatus(ctx, token.StatusMonitoring, s.cfg.SelectionCap, 0)
	if err != nil {
		s.log.WithField("error", err).Warn("activation_sweep selection failed")
		return
	}

	sem := make(chan struct{}, maxInt(s.cfg.ActivationConcurrency, 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processed, failures int

	for _, tok := range monitoring {
		tok := tok
		if !s.locks.TryLock(tok.MintAddress) {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.recoverTask("activation_sweep", tok.MintAddress, &mu, &failures)
			defer func() { <-sem }()
			defer s.locks.Unlock(tok.MintAddress)

			callCtx, cancel := context.WithTimeout(ctx, s.cfg.ColdTimeout)
			defer cancel()
			pairs, err := s.coldClient.GetPairs(callCtx, tok.MintAddress)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			processed++
			s.tryActivateOrExpire(ctx, tok, pairs)
		}()
	}
	wg.Wait()

	s.summaries.push(JobSummary{
		Job: "activation_sweep", CorrelationID: correlationID(), StartedAt: started,
		Duration: time.Since(started), Processed: processed, Failures: failures,
	})
}

// runArchivalSweep implements spec §4.10's archival state machine: a token
// archives only once its full dwell window is covered by snapshot history
// and every snapshot in that window stayed below min_score.
func (s *Scheduler) runArchivalSweep(ctx context.Context) {
	started := time.Now()
	active, err := s.repo.ListByStatus(ctx, token.StatusActive, s.cfg.SelectionCap, 0)
	if err != nil {
		s.log.WithField("error", err).Warn("archival_sweep selection failed")
		return
	}

	minScore := s.settings.GetFloat(ctx, settings.KeyMinScore)
	dwellHours := s.settings.GetFloat(ctx, settings.KeyArchiveBelowHours)
	cutoff := time.Now().Add(-time.Duration(dwellHours * float64(time.Hour)))

	sem := make(chan struct{}, maxInt(s.cfg.ArchivalConcurrency, 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processed, updated, failures int

	for _, tok := range active {
		tok := tok
		if !s.locks.TryLock(tok.MintAddress) {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.recoverTask("archival_sweep", tok.MintAddress, &mu, &failures)
			defer func() { <-sem }()
			defer s.locks.Unlock(tok.MintAddress)

			history, err := s.repo.SnapshotHistory(ctx, tok.ID, cutoff)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || len(history) == 0 {
				return
			}
			processed++

			for _, snap := range history {
				if snap.SmoothedScore >= minScore {
					return // a single qualifying snapshot resets the clock
				}
			}
			if history[0].CreatedAt.After(cutoff) {
				return // history doesn't yet span the full dwell window
			}
			if err := s.repo.UpdateStatus(ctx, tok.ID, token.StatusArchived); err == nil {
				updated++
			}
		}()
	}
	wg.Wait()

	s.summaries.push(JobSummary{
		Job: "archival_sweep", CorrelationID: correlationID(), StartedAt: started,
		Duration: time.Since(started), Processed: processed, Updated: updated, Failures: failures,
	})
}

// runSpamSweep computes spam metrics for high-ranked active tokens and
// stashes them for the next hot/cold snapshot to pick up (spec §4.11's
// persist-on-next-snapshot / Repository carry-over contract).
func (s *Scheduler) runSpamSweep(ctx context.Context) {
	started := time.Now()
	candidates, err := s.repo.ListActiveOrderedByScore(ctx, s.cfg.SelectionCap)
	if err != nil {
		s.log.WithField("error", err).Warn("spam_sweep selection failed")
		return
	}

	notarbMinScore := s.settings.GetFloat(ctx, settings.KeyNotarbMinScore)
	ids := make([]int64, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}
	snaps, err := s.repo.GetLatestSnapshotsBatch(ctx, ids)
	if err != nil {
		s.log.WithField("error", err).Warn("spam_sweep snapshot load failed")
		return
	}

	whitelist := spam.ParseWhitelist(s.settings.Get(ctx, settings.KeySpamWhitelistWallets))

	sem := make(chan struct{}, maxInt(forClass(s.cfg.SpamConcurrency, s.health.CurrentLoad().Class), 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processed, failures int

	for _, tok := range candidates {
		snap, ok := snaps[tok.ID]
		if !ok || snap.SmoothedScore < notarbMinScore {
			continue
		}
		tok := tok
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.recoverTask("spam_sweep", tok.MintAddress, &mu, &failures)
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, s.cfg.SpamTimeout)
			defer cancel()
			metrics, err := s.spamAnalyzer.Analyze(callCtx, tok.MintAddress, whitelist)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			processed++
			s.setPendingSpam(tok.ID, metrics)
		}()
	}
	wg.Wait()

	s.summaries.push(JobSummary{
		Job: "spam_sweep", CorrelationID: correlationID(), StartedAt: started,
		Duration: time.Since(started), Processed: processed, Failures: failures,
	})
}

func (s *Scheduler) runExportSweep(ctx context.Context) {
	started := time.Now()
	var failures int
	if err := s.exporter.WriteOnce(ctx); err != nil {
		s.log.WithField("error", err).Warn("export_sweep write failed")
		failures = 1
	}
	s.summaries.push(JobSummary{
		Job: "export_sweep", CorrelationID: correlationID(), StartedAt: started,
		Duration: time.Since(started), Processed: 1, Failures: failures,
	})
}
