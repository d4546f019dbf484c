package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/solpump-scout/internal/aggregator"
	"github.com/R3E-Network/solpump-scout/internal/dexclient"
	"github.com/R3E-Network/solpump-scout/internal/health"
	"github.com/R3E-Network/solpump-scout/internal/scoring/service"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/token"
	"github.com/R3E-Network/solpump-scout/internal/validation"
)

// splitActiveByScore loads every active token's latest snapshot in one batch
// query (spec §4.2, "mandatory to avoid N+1") and partitions by min_score.
func (s *Scheduler) splitActiveByScore(ctx context.Context) (hot, cold []token.Token, err error) {
	active, err := s.repo.ListActiveOrderedByScore(ctx, s.cfg.SelectionCap)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, len(active))
	for i, t := range active {
		ids[i] = t.ID
	}
	snaps, err := s.repo.GetLatestSnapshotsBatch(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	minScore := s.settings.GetFloat(ctx, settings.KeyMinScore)
	for _, t := range active {
		score := 0.0
		if snap, ok := snaps[t.ID]; ok {
			score = snap.SmoothedScore
		}
		if score >= minScore {
			hot = append(hot, t)
		} else {
			cold = append(cold, t)
		}
	}
	return hot, cold, nil
}

func (s *Scheduler) runHotRefresh(ctx context.Context) {
	hot, _, err := s.splitActiveByScore(ctx)
	if err != nil {
		s.log.WithField("error", err).Warn("hot_refresh selection failed")
		return
	}
	s.processGroup(ctx, "hot_refresh", hot, s.hotClient, s.cfg.HotConcurrency, s.cfg.HotTimeout)
}

func (s *Scheduler) runColdRefresh(ctx context.Context) {
	_, cold, err := s.splitActiveByScore(ctx)
	if err != nil {
		s.log.WithField("error", err).Warn("cold_refresh selection failed")
		return
	}
	monitoring, err := s.repo.ListByStatus(ctx, token.StatusMonitoring, s.cfg.SelectionCap, 0)
	if err != nil {
		s.log.WithField("error", err).Warn("cold_refresh monitoring selection failed")
	} else {
		cold = append(cold, monitoring...)
	}
	s.processGroup(ctx, "cold_refresh", cold, s.coldClient, s.cfg.ColdConcurrency, s.cfg.ColdTimeout)
}

// processGroup implements spec §4.10's hot/cold group pipeline: drain the
// deferred queue under low load, clamp to an adaptive batch size, then fan
// the batch out across a load-scaled semaphore.
func (s *Scheduler) processGroup(ctx context.Context, jobName string, candidates []token.Token, client *dexclient.Client, limits ConcurrencyLimits, normalTimeout time.Duration) {
	started := time.Now()
	load := s.health.CurrentLoad()

	if load.Class == health.LoadLow {
		candidates = append(s.drainDeferred(ctx), candidates...)
	}

	batchSize := s.batchSizeForClass(load.Class, len(candidates))
	batch := candidates
	var deferredCount int
	if len(batch) > batchSize {
		overflow := batch[batchSize:]
		batch = batch[:batchSize]
		deferredCount = s.enqueueDeferred(overflow)
	}

	timeout := normalTimeout
	if load.Class == health.LoadUnderLoad {
		timeout = s.cfg.UnderLoadTimeout
	}
	concurrency := forClass(limits, load.Class)

	aggCfg := s.aggregatorConfig(ctx)
	valCfg := s.validationConfig(ctx)

	sem := make(chan struct{}, maxInt(concurrency, 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processed, updated, failures int
	var latencies []time.Duration

	for _, tok := range batch {
		tok := tok
		if !s.locks.TryLock(tok.MintAddress) {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.recoverTask(jobName, tok.MintAddress, &mu, &failures)
			defer func() { <-sem }()
			defer s.locks.Unlock(tok.MintAddress)

			taskStart := time.Now()
			ok, didUpdate := s.refreshOne(ctx, tok, client, aggCfg, valCfg, timeout)

			mu.Lock()
			processed++
			if didUpdate {
				updated++
			}
			if !ok {
				failures++
			}
			latencies = append(latencies, time.Since(taskStart))
			mu.Unlock()
		}()
	}
	wg.Wait()

	summary := JobSummary{
		Job:           jobName,
		CorrelationID: correlationID(),
		StartedAt:     started,
		Duration:      time.Since(started),
		Processed:     processed,
		Updated:       updated,
		Failures:      failures,
		Deferred:      deferredCount,
		P95LatencyMS:  p95(latencies),
	}
	s.summaries.push(summary)
	s.log.WithField("job", jobName).WithField("processed", processed).
		WithField("updated", updated).WithField("failures", failures).
		WithField("deferred", deferredCount).Info("scheduler tick complete")
}

// refreshOne runs one token through DEX Client → Aggregator → Validation →
// (if active) Scoring Service. Monitoring tokens encountered by cold refresh
// are opportunistically promoted right here using the pairs already fetched,
// instead of re-fetching in the activation sweep.
func (s *Scheduler) refreshOne(ctx context.Context, tok token.Token, client *dexclient.Client, aggCfg aggregator.Config, valCfg validation.Config, timeout time.Duration) (ok bool, updated bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pairs, err := client.GetPairs(callCtx, tok.MintAddress)
	if err != nil {
		s.log.WithField("mint", tok.MintAddress).WithField("error", err).Warn("dex fetch failed")
		return false, false
	}

	if tok.Status == token.StatusMonitoring {
		s.tryActivateOrExpire(ctx, tok, pairs)
		return true, false
	}

	result := aggregator.Aggregate(pairs, aggCfg, tok.CreatedAt)
	priceChange5m := primaryPriceChange5m(pairs)
	valResult := validation.Validate(result.Metrics, priceChange5m, valCfg)

	spamMetrics := s.popPendingSpam(tok.ID)

	in := service.Input{
		Token:         tok,
		Metrics:       result.Metrics,
		PriceChange5m: priceChange5m,
		Validation:    valResult,
		Pools:         result.Pools,
		SpamMetrics:   spamMetrics,
	}
	if _, err := s.scoring.CalculateAndPersist(ctx, in); err != nil {
		s.log.WithField("mint", tok.MintAddress).WithField("error", err).Warn("score persist failed")
		return false, false
	}
	return true, true
}

// primaryPriceChange5m mirrors the Aggregator's primary-dex selection (the
// pair with the largest liquidity) to surface the one price-change reading
// the Validation Layer's suspicious-swing check needs.
func primaryPriceChange5m(pairs []dexclient.Pair) float64 {
	var best dexclient.Pair
	var found bool
	for _, p := range pairs {
		if !found || p.Liquidity.USD > best.Liquidity.USD {
			best = p
			found = true
		}
	}
	if !found {
		return 0
	}
	return best.PriceChange.M5
}

// primaryPoolIdentity returns the base token name/symbol off the
// largest-liquidity pair, used to opportunistically backfill a token's
// cached name/symbol on activation (spec §4.10).
func primaryPoolIdentity(pairs []dexclient.Pair) (name, symbol string, ok bool) {
	var best dexclient.Pair
	for _, p := range pairs {
		if !ok || p.Liquidity.USD > best.Liquidity.USD {
			best = p
			ok = true
		}
	}
	if !ok {
		return "", "", false
	}
	return best.BaseToken.Name, best.BaseToken.Symbol, true
}

// recoverTask absorbs a panic inside one per-token goroutine: the job logs
// it, counts it as a failure, and keeps processing the rest of the batch
// (spec §5, failure isolation).
func (s *Scheduler) recoverTask(job, mint string, mu *sync.Mutex, failures *int) {
	if r := recover(); r != nil {
		s.log.WithField("job", job).WithField("mint", mint).WithField("panic", r).Error("per-token task panicked")
		mu.Lock()
		*failures++
		mu.Unlock()
	}
}

func (s *Scheduler) popPendingSpam(tokenID int64) *token.SpamMetrics {
	s.pendingSpamMu.Lock()
	defer s.pendingSpamMu.Unlock()
	m := s.pendingSpam[tokenID]
	delete(s.pendingSpam, tokenID)
	return m
}

func (s *Scheduler) setPendingSpam(tokenID int64, m token.SpamMetrics) {
	s.pendingSpamMu.Lock()
	defer s.pendingSpamMu.Unlock()
	s.pendingSpam[tokenID] = &m
}

// batchSizeForClass clamps the candidate count to [min,max], shrinking
// toward min as load rises (spec §4.10 "adaptive batch sizing").
func (s *Scheduler) batchSizeForClass(class health.LoadClass, candidateCount int) int {
	max := s.cfg.BatchSizeMax
	switch class {
	case health.LoadMedium:
		max = (s.cfg.BatchSizeMax + s.cfg.BatchSizeMin) * 3 / 4
	case health.LoadHigh:
		max = (s.cfg.BatchSizeMax + s.cfg.BatchSizeMin) / 2
	case health.LoadUnderLoad:
		max = s.cfg.BatchSizeMin
	}
	if max < s.cfg.BatchSizeMin {
		max = s.cfg.BatchSizeMin
	}
	return minInt(candidateCount, max)
}

// enqueueDeferred appends overflow token ids to the bounded FIFO, dropping
// the oldest entries once full rather than growing unbounded.
func (s *Scheduler) enqueueDeferred(overflow []token.Token) int {
	if len(overflow) == 0 {
		return 0
	}
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	for _, t := range overflow {
		s.deferred = append(s.deferred, t.ID)
	}
	if excess := len(s.deferred) - s.cfg.DeferredQueueCap; excess > 0 {
		s.deferred = s.deferred[excess:]
	}
	return len(overflow)
}

// drainDeferred pops up to DeferredDrainPerTick ids off the front of the
// queue and resolves them back to tokens, guaranteeing eventual processing
// once load returns to "low" (spec §4.10).
func (s *Scheduler) drainDeferred(ctx context.Context) []token.Token {
	s.deferredMu.Lock()
	n := minInt(len(s.deferred), s.cfg.DeferredDrainPerTick)
	ids := append([]int64(nil), s.deferred[:n]...)
	s.deferred = s.deferred[n:]
	s.deferredMu.Unlock()

	drained := make([]token.Token, 0, n)
	for _, id := range ids {
		t, err := s.repo.GetByID(ctx, id)
		if err != nil {
			continue
		}
		drained = append(drained, t)
	}
	return drained
}
