package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/token"
	"github.com/R3E-Network/solpump-scout/internal/validation"
)

// fakeRepo implements repository.Repository with just enough behavior to
// drive the Scoring Service: an in-memory append-only snapshot list per
// token, mirroring the real Repository's ordering and carry-over contract.
type fakeRepo struct {
	mu        sync.Mutex
	snapshots map[int64][]token.ScoreSnapshot
}

func newFakeRepo() *fakeRepo { return &fakeRepo{snapshots: make(map[int64][]token.ScoreSnapshot)} }

func (r *fakeRepo) GetLatestSnapshot(_ context.Context, tokenID int64) (token.ScoreSnapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.snapshots[tokenID]
	if len(list) == 0 {
		return token.ScoreSnapshot{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (r *fakeRepo) InsertScoreSnapshot(_ context.Context, tokenID int64, snap token.ScoreSnapshot) (token.ScoreSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.SpamMetrics == nil {
		if list := r.snapshots[tokenID]; len(list) > 0 {
			snap.SpamMetrics = list[len(list)-1].SpamMetrics
		}
	}
	snap.TokenID = tokenID
	snap.CreatedAt = time.Now()
	snap.ID = int64(len(r.snapshots[tokenID]) + 1)
	r.snapshots[tokenID] = append(r.snapshots[tokenID], snap)
	return snap, nil
}

func (r *fakeRepo) SnapshotHistory(_ context.Context, tokenID int64, _ time.Time) ([]token.ScoreSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]token.ScoreSnapshot, len(r.snapshots[tokenID]))
	copy(out, r.snapshots[tokenID])
	return out, nil
}

func (r *fakeRepo) InsertMonitoring(context.Context, string, string, string) (token.Token, bool, error) {
	return token.Token{}, false, nil
}
func (r *fakeRepo) GetByMint(context.Context, string) (token.Token, error)     { return token.Token{}, nil }
func (r *fakeRepo) GetByID(context.Context, int64) (token.Token, error)       { return token.Token{}, nil }
func (r *fakeRepo) ListByStatus(context.Context, token.Status, int, int) ([]token.Token, error) {
	return nil, nil
}
func (r *fakeRepo) ListActiveOrderedByScore(context.Context, int) ([]token.Token, error) { return nil, nil }
func (r *fakeRepo) UpdateStatus(context.Context, int64, token.Status) error              { return nil }
func (r *fakeRepo) UpdateCachedAttributes(context.Context, int64, string, string, string, float64) error {
	return nil
}
func (r *fakeRepo) GetLatestSnapshotsBatch(context.Context, []int64) (map[int64]token.ScoreSnapshot, error) {
	return nil, nil
}
func (r *fakeRepo) GetSetting(_ context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (r *fakeRepo) SetSetting(context.Context, string, string) error { return nil }

func newTestService() (*Service, *fakeRepo) {
	repo := newFakeRepo()
	s := settings.New(repo, nil)
	return New(s, repo, nil), repo
}

func TestCalculateAndPersist_FirstSnapshotSeedsEwmaFromCurrent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	in := Input{
		Token:   token.Token{ID: 1},
		Metrics: token.Metrics{TxCount5m: 100, TxCount1h: 1200, PrimaryDex: "raydium"},
		Validation: validation.Result{Verdict: validation.VerdictOK},
	}
	snap, err := svc.CalculateAndPersist(ctx, in)
	require.NoError(t, err)
	require.Equal(t, snap.Score, snap.SmoothedScore)
	require.False(t, snap.EmergencyFallback)
}

func TestCalculateAndPersist_CriticalVerdictUsesEmergencyFallback(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	ok := Input{
		Token:      token.Token{ID: 2},
		Metrics:    token.Metrics{TxCount5m: 100, TxCount1h: 1200},
		Validation: validation.Result{Verdict: validation.VerdictOK},
	}
	_, err := svc.CalculateAndPersist(ctx, ok)
	require.NoError(t, err)

	critical := Input{
		Token:      token.Token{ID: 2},
		Metrics:    token.Metrics{LiquidityUSD: -5},
		Validation: validation.Result{Verdict: validation.VerdictCritical},
	}
	snap, err := svc.CalculateAndPersist(ctx, critical)
	require.NoError(t, err)
	require.True(t, snap.EmergencyFallback)

	list, _ := repo.SnapshotHistory(ctx, 2, time.Time{})
	require.Len(t, list, 2)
	prevSmoothed, _ := list[0].LatestSmoothed(token.ComponentFinalScore)
	snapSmoothed, ok2 := snap.LatestSmoothed(token.ComponentFinalScore)
	require.True(t, ok2)
	require.Equal(t, prevSmoothed, snapSmoothed)
}

func TestCalculateAndPersist_SpamMetricsCarryOverWhenOmitted(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	withSpam := Input{
		Token:       token.Token{ID: 3},
		Metrics:     token.Metrics{TxCount5m: 10, TxCount1h: 60},
		Validation:  validation.Result{Verdict: validation.VerdictOK},
		SpamMetrics: &token.SpamMetrics{SpamPercentage: 42, RiskLevel: "low"},
	}
	_, err := svc.CalculateAndPersist(ctx, withSpam)
	require.NoError(t, err)

	scoringOnly := Input{
		Token:      token.Token{ID: 3},
		Metrics:    token.Metrics{TxCount5m: 20, TxCount1h: 80},
		Validation: validation.Result{Verdict: validation.VerdictOK},
	}
	snap, err := svc.CalculateAndPersist(ctx, scoringOnly)
	require.NoError(t, err)
	require.NotNil(t, snap.SpamMetrics)
	require.Equal(t, 42.0, snap.SpamMetrics.SpamPercentage)
}
