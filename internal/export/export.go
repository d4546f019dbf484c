// Package export implements the Export Writer (spec §4.12): it selects the
// top-N scored active tokens and atomically writes the NotArb JSON document
// consumed by the downstream trading bot.
package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/repository"
	"github.com/R3E-Network/solpump-scout/internal/settings"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// ExportRecord is one ranked token in the output document.
type ExportRecord struct {
	MintAddress string   `json:"mint_address"`
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name"`
	Score       float64  `json:"score"`
	Pools       []string `json:"pools"`
}

// Metadata is the document's header (spec §6).
type Metadata struct {
	GeneratedAt       string  `json:"generated_at"`
	Generator         string  `json:"generator"`
	MinScoreThreshold float64 `json:"min_score_threshold"`
	TotalTokens       int     `json:"total_tokens"`
}

// Report is the full exported document shape.
type Report struct {
	Metadata Metadata       `json:"metadata"`
	Tokens   []ExportRecord `json:"tokens"`
}

// candidatePoolSize bounds how many top-ranked active tokens are considered
// before the score/spam filters and top-N cut are applied.
const candidatePoolSize = 200

// Writer is the Export Writer. TopN is a deployment-level knob (spec §6's
// export.top_n), sourced from internal/config rather than the Settings
// Store, since it shapes the file contract rather than scoring behavior.
type Writer struct {
	repo     repository.Repository
	settings *settings.Settings
	path     string
	topN     int
	log      *logging.Logger

	mu   sync.RWMutex
	last Report
}

// New constructs a Writer that writes to path, keeping at most topN records.
func New(repo repository.Repository, s *settings.Settings, path string, topN int, log *logging.Logger) *Writer {
	if log == nil {
		log = logging.NewDefault("export")
	}
	if topN <= 0 {
		topN = 3
	}
	return &Writer{repo: repo, settings: s, path: path, topN: topN, log: log}
}

// WriteOnce performs one export cycle: select, filter, rank, write.
func (w *Writer) WriteOnce(ctx context.Context) error {
	candidates, err := w.repo.ListActiveOrderedByScore(ctx, candidatePoolSize)
	if err != nil {
		return err
	}

	ids := make([]int64, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}
	snapshots, err := w.repo.GetLatestSnapshotsBatch(ctx, ids)
	if err != nil {
		return err
	}

	minScore := w.settings.GetFloat(ctx, settings.KeyNotarbMinScore)
	maxSpam := w.settings.GetFloat(ctx, settings.KeyNotarbMaxSpamPercentage)

	records := w.buildRecords(candidates, snapshots, minScore, maxSpam)
	if len(records) > w.topN {
		records = records[:w.topN]
	}

	report := Report{
		Metadata: Metadata{
			GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
			Generator:         "solpump-scout",
			MinScoreThreshold: minScore,
			TotalTokens:       len(records),
		},
		Tokens: records,
	}

	if err := w.writeAtomic(report); err != nil {
		return err
	}

	w.mu.Lock()
	w.last = report
	w.mu.Unlock()
	return nil
}

func (w *Writer) buildRecords(candidates []token.Token, snapshots map[int64]token.ScoreSnapshot, minScore, maxSpam float64) []ExportRecord {
	records := make([]ExportRecord, 0, len(candidates))
	for _, t := range candidates {
		snap, ok := snapshots[t.ID]
		if !ok {
			continue
		}
		if snap.SmoothedScore < minScore {
			continue
		}
		if snap.SpamMetrics != nil && snap.SpamMetrics.SpamPercentage > maxSpam {
			continue
		}

		pools := make([]string, 0, len(snap.Pools))
		for _, p := range snap.Pools {
			pools = append(pools, p.Address)
		}

		records = append(records, ExportRecord{
			MintAddress: t.MintAddress,
			Symbol:      t.Symbol,
			Name:        t.Name,
			Score:       snap.SmoothedScore,
			Pools:       pools,
		})
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Score > records[j].Score })
	return records
}

// writeAtomic writes to a temp file in the same directory, fsyncs it, then
// renames it over the target path (spec §4.12).
func (w *Writer) writeAtomic(report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, w.path)
}

// Snapshot returns the last successfully written report (spec-supplement,
// SPEC_FULL.md): the file write remains the source of truth, this is a cache
// of the last successful write for callers that cannot re-read the file.
func (w *Writer) Snapshot() Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}
