package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/solpump-scout/internal/dexclient"
	"github.com/R3E-Network/solpump-scout/internal/health"
	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/scoring/service"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

type fakeRepo struct {
	mu        sync.Mutex
	tokens    map[int64]token.Token
	snapshots map[int64][]token.ScoreSnapshot
	settings  map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tokens:    make(map[int64]token.Token),
		snapshots: make(map[int64][]token.ScoreSnapshot),
		settings:  make(map[string]string),
	}
}

func (r *fakeRepo) addToken(t token.Token) { r.tokens[t.ID] = t }

func (r *fakeRepo) InsertMonitoring(context.Context, string, string, string) (token.Token, bool, error) {
	return token.Token{}, false, nil
}
func (r *fakeRepo) GetByMint(context.Context, string) (token.Token, error) { return token.Token{}, nil }
func (r *fakeRepo) GetByID(_ context.Context, id int64) (token.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[id], nil
}
func (r *fakeRepo) ListByStatus(_ context.Context, status token.Status, limit, _ int) ([]token.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []token.Token
	for _, t := range r.tokens {
		if t.Status == status {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (r *fakeRepo) ListActiveOrderedByScore(_ context.Context, limit int) ([]token.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []token.Token
	for _, t := range r.tokens {
		if t.Status == token.StatusActive {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (r *fakeRepo) UpdateStatus(_ context.Context, tokenID int64, newStatus token.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tokens[tokenID]
	t.Status = newStatus
	r.tokens[tokenID] = t
	return nil
}
func (r *fakeRepo) UpdateCachedAttributes(_ context.Context, tokenID int64, name, symbol, primaryDex string, liquidityUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tokens[tokenID]
	if name != "" {
		t.Name = name
	}
	if symbol != "" {
		t.Symbol = symbol
	}
	t.PrimaryDex = primaryDex
	t.LiquidityUSD = liquidityUSD
	r.tokens[tokenID] = t
	return nil
}
func (r *fakeRepo) GetLatestSnapshot(_ context.Context, tokenID int64) (token.ScoreSnapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[tokenID]
	if len(snaps) == 0 {
		return token.ScoreSnapshot{}, false, nil
	}
	return snaps[len(snaps)-1], true, nil
}
func (r *fakeRepo) GetLatestSnapshotsBatch(_ context.Context, ids []int64) (map[int64]token.ScoreSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]token.ScoreSnapshot, len(ids))
	for _, id := range ids {
		if snaps := r.snapshots[id]; len(snaps) > 0 {
			out[id] = snaps[len(snaps)-1]
		}
	}
	return out, nil
}
func (r *fakeRepo) InsertScoreSnapshot(_ context.Context, tokenID int64, snap token.ScoreSnapshot) (token.ScoreSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.CreatedAt = time.Now()
	r.snapshots[tokenID] = append(r.snapshots[tokenID], snap)
	return snap, nil
}
func (r *fakeRepo) SnapshotHistory(_ context.Context, tokenID int64, since time.Time) ([]token.ScoreSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []token.ScoreSnapshot
	for _, s := range r.snapshots[tokenID] {
		if !s.CreatedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (r *fakeRepo) GetSetting(_ context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.settings[key]
	return v, ok, nil
}
func (r *fakeRepo) SetSetting(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

type stubHealth struct{ load health.Load }

func (h stubHealth) CurrentLoad() health.Load { return h.load }

func discardLogger() *logging.Logger {
	l := logging.NewDefault("scheduler-test")
	l.SetOutput(io.Discard)
	return l
}

func TestSplitActiveByScore_PartitionsByMinScore(t *testing.T) {
	repo := newFakeRepo()
	repo.addToken(token.Token{ID: 1, MintAddress: "Hot", Status: token.StatusActive})
	repo.addToken(token.Token{ID: 2, MintAddress: "Cold", Status: token.StatusActive})
	repo.snapshots[1] = []token.ScoreSnapshot{{SmoothedScore: 0.9}}
	repo.snapshots[2] = []token.ScoreSnapshot{{SmoothedScore: 0.01}}

	s := &Scheduler{repo: repo, settings: settings.New(repo, nil), cfg: Config{SelectionCap: 100}}
	hot, cold, err := s.splitActiveByScore(context.Background())
	require.NoError(t, err)
	require.Len(t, hot, 1)
	require.Equal(t, int64(1), hot[0].ID)
	require.Len(t, cold, 1)
	require.Equal(t, int64(2), cold[0].ID)
}

func TestDeferredQueue_EnqueueThenDrainInOrder(t *testing.T) {
	s := &Scheduler{repo: newFakeRepo(), cfg: Config{DeferredQueueCap: 10, DeferredDrainPerTick: 5}}
	s.repo.(*fakeRepo).addToken(token.Token{ID: 1})
	s.repo.(*fakeRepo).addToken(token.Token{ID: 2})

	n := s.enqueueDeferred([]token.Token{{ID: 1}, {ID: 2}})
	require.Equal(t, 2, n)

	drained := s.drainDeferred(context.Background())
	require.Len(t, drained, 2)
	require.Equal(t, int64(1), drained[0].ID)
	require.Equal(t, int64(2), drained[1].ID)

	require.Empty(t, s.drainDeferred(context.Background()))
}

func TestBatchSizeForClass_ShrinksUnderLoad(t *testing.T) {
	s := &Scheduler{cfg: Config{BatchSizeMin: 50, BatchSizeMax: 500}}
	require.Equal(t, 500, s.batchSizeForClass(health.LoadLow, 1000))
	require.Equal(t, 50, s.batchSizeForClass(health.LoadUnderLoad, 1000))
	require.Less(t, s.batchSizeForClass(health.LoadHigh, 1000), 500)
}

func TestProcessGroup_PersistsScoreForActiveToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pairs": []map[string]interface{}{{
				"dexId":       "raydium",
				"baseToken":   map[string]string{"address": "MintA", "name": "Foo", "symbol": "FOO"},
				"quoteToken":  map[string]string{"symbol": "SOL"},
				"liquidity":   map[string]float64{"usd": 10000},
				"txns":        map[string]interface{}{"m5": map[string]int64{"buys": 10, "sells": 5}, "h1": map[string]int64{"buys": 20, "sells": 10}},
				"volume":      map[string]float64{"m5": 1000, "h1": 4000},
				"priceChange": map[string]float64{"m5": 0.1, "h15": 0.2},
			}},
		})
	}))
	defer srv.Close()

	repo := newFakeRepo()
	repo.addToken(token.Token{ID: 1, MintAddress: "MintA", Status: token.StatusActive, CreatedAt: time.Now()})

	st := settings.New(repo, nil)
	scoringSvc := service.New(st, repo, nil)
	client := dexclient.New(dexclient.Config{BaseURL: srv.URL})

	s := &Scheduler{
		repo: repo, settings: st, scoring: scoringSvc, log: discardLogger(),
		locks: newStripedLocks(8), summaries: newSummaryRing(10),
		health:      stubHealth{load: health.Load{Class: health.LoadLow}},
		pendingSpam: make(map[int64]*token.SpamMetrics),
		cfg:         Config{BatchSizeMin: 10, BatchSizeMax: 100, SelectionCap: 100, HotTimeout: time.Second},
	}

	s.processGroup(context.Background(), "hot_refresh", []token.Token{{ID: 1, MintAddress: "MintA", Status: token.StatusActive}}, client, ConcurrencyLimits{Low: 4, Medium: 4, High: 4, UnderLoad: 1}, time.Second)

	require.Len(t, repo.snapshots[1], 1)
	require.Greater(t, repo.snapshots[1][0].SmoothedScore, 0.0)

	summaries := s.Summaries()
	require.Len(t, summaries, 1)
	require.Equal(t, 1, summaries[0].Updated)
}

func TestRunTick_RecoversFromJobPanic(t *testing.T) {
	s := &Scheduler{log: discardLogger()}
	require.False(t, s.runTick(context.Background(), "hot_refresh", func(context.Context) { panic("boom") }))
	require.True(t, s.runTick(context.Background(), "hot_refresh", func(context.Context) {}))
}

func TestRecoverTask_CountsPanicAsFailure(t *testing.T) {
	s := &Scheduler{log: discardLogger()}
	var mu sync.Mutex
	var failures int

	func() {
		defer s.recoverTask("hot_refresh", "MintA", &mu, &failures)
		panic("boom")
	}()

	require.Equal(t, 1, failures)
}

func TestTryActivateOrExpire_ArchivesAfterMonitoringTimeout(t *testing.T) {
	repo := newFakeRepo()
	tok := token.Token{ID: 5, MintAddress: "Stale", Status: token.StatusMonitoring, CreatedAt: time.Now().Add(-48 * time.Hour)}
	repo.addToken(tok)

	s := &Scheduler{repo: repo, settings: settings.New(repo, nil), log: discardLogger()}
	s.tryActivateOrExpire(context.Background(), tok, nil)

	got, _ := repo.GetByID(context.Background(), 5)
	require.Equal(t, token.StatusArchived, got.Status)
}

// TestTryActivateOrExpire_LiquidityBoundary pins the activation rule order:
// the launchpad-native pool's liquidity never counts, and the external
// pool's own liquidity is compared against activation_min_liquidity_usd
// (default 200), not the scoring aggregation's pool floor.
func TestTryActivateOrExpire_LiquidityBoundary(t *testing.T) {
	pairAt := func(externalLiquidity float64) []dexclient.Pair {
		launchpad := dexclient.Pair{DexID: "pumpfun"}
		launchpad.QuoteToken.Symbol = "SOL"
		launchpad.Liquidity.USD = 10_000
		external := dexclient.Pair{DexID: "raydium"}
		external.QuoteToken.Symbol = "SOL"
		external.Liquidity.USD = externalLiquidity
		return []dexclient.Pair{launchpad, external}
	}

	cases := []struct {
		name      string
		liquidity float64
		want      token.Status
	}{
		{"above floor promotes", 250, token.StatusActive},
		{"below floor stays monitoring", 150, token.StatusMonitoring},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			tok := token.Token{ID: 7, MintAddress: "Edge", Status: token.StatusMonitoring, CreatedAt: time.Now()}
			repo.addToken(tok)

			s := &Scheduler{repo: repo, settings: settings.New(repo, nil), log: discardLogger()}
			s.tryActivateOrExpire(context.Background(), tok, pairAt(tc.liquidity))

			got, _ := repo.GetByID(context.Background(), 7)
			require.Equal(t, tc.want, got.Status)
		})
	}
}

func TestTryActivateOrExpire_PromotesOnSufficientLiquidity(t *testing.T) {
	repo := newFakeRepo()
	tok := token.Token{ID: 6, MintAddress: "Fresh", Status: token.StatusMonitoring, CreatedAt: time.Now()}
	repo.addToken(tok)

	pairs := []dexclient.Pair{{DexID: "raydium"}}
	pairs[0].QuoteToken.Symbol = "SOL"
	pairs[0].Liquidity.USD = 5000
	pairs[0].BaseToken.Name = "Fresh Token"
	pairs[0].BaseToken.Symbol = "FRESH"

	s := &Scheduler{repo: repo, settings: settings.New(repo, nil), log: discardLogger()}
	s.tryActivateOrExpire(context.Background(), tok, pairs)

	got, _ := repo.GetByID(context.Background(), 6)
	require.Equal(t, token.StatusActive, got.Status)
	require.Equal(t, "Fresh Token", got.Name)
	require.Equal(t, "FRESH", got.Symbol)
}
