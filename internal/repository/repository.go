// Package repository implements the Token Repository (spec §4.2): the sole
// owner of tokens, score snapshots, and app settings durable state. Grounded
// on the teacher's sqlx/lib-pq persistence style (base_store's context-borne
// transaction pattern), adapted from a generic KV/document store to the
// three relations named in spec §6.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/solpump-scout/internal/apperrors"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// Repository is the full contract the rest of the system programs against.
// The Scheduler, Scoring Service, Migration Listener, and Settings Store
// each use a slice of this interface.
type Repository interface {
	InsertMonitoring(ctx context.Context, mint, name, symbol string) (token.Token, bool, error)
	GetByMint(ctx context.Context, mint string) (token.Token, error)
	GetByID(ctx context.Context, id int64) (token.Token, error)
	ListByStatus(ctx context.Context, status token.Status, limit, offset int) ([]token.Token, error)
	ListActiveOrderedByScore(ctx context.Context, limit int) ([]token.Token, error)
	UpdateStatus(ctx context.Context, tokenID int64, newStatus token.Status) error
	UpdateCachedAttributes(ctx context.Context, tokenID int64, name, symbol, primaryDex string, liquidityUSD float64) error

	GetLatestSnapshot(ctx context.Context, tokenID int64) (token.ScoreSnapshot, bool, error)
	GetLatestSnapshotsBatch(ctx context.Context, tokenIDs []int64) (map[int64]token.ScoreSnapshot, error)
	InsertScoreSnapshot(ctx context.Context, tokenID int64, snap token.ScoreSnapshot) (token.ScoreSnapshot, error)
	SnapshotHistory(ctx context.Context, tokenID int64, since time.Time) ([]token.ScoreSnapshot, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Postgres is the sqlx-backed Repository implementation.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres and applies the pool-sizing knobs from
// internal/config.DatabaseConfig.
func Open(dsn string, maxOpenConns, maxIdleConns, connMaxLifetimeSec int) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if connMaxLifetimeSec > 0 {
		db.SetConnMaxLifetime(time.Duration(connMaxLifetimeSec) * time.Second)
	}
	return &Postgres{db: db}, nil
}

// NewWithDB wraps an already-opened *sqlx.DB, used by tests with go-sqlmock.
func NewWithDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

// Schema is the DDL for the three relations in spec §6. Migrations are out
// of scope; this is offered for local bootstrap and tests only.
const Schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id BIGSERIAL PRIMARY KEY,
	mint_address TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'monitoring',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	liquidity_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	primary_dex TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS token_scores (
	id BIGSERIAL PRIMARY KEY,
	token_id BIGINT NOT NULL REFERENCES tokens(id),
	score DOUBLE PRECISION NOT NULL,
	smoothed_score DOUBLE PRECISION NOT NULL,
	raw_components JSONB NOT NULL,
	smoothed_components JSONB NOT NULL,
	spam_metrics JSONB,
	scoring_model TEXT NOT NULL,
	metrics JSONB NOT NULL,
	emergency_fallback BOOLEAN NOT NULL DEFAULT false,
	no_significant_change BOOLEAN NOT NULL DEFAULT false,
	pools JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_token_scores_token_created ON token_scores (token_id, created_at DESC);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type tokenRow struct {
	ID            int64     `db:"id"`
	MintAddress   string    `db:"mint_address"`
	Name          string    `db:"name"`
	Symbol        string    `db:"symbol"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	LastUpdatedAt time.Time `db:"last_updated_at"`
	LiquidityUSD  float64   `db:"liquidity_usd"`
	PrimaryDex    string    `db:"primary_dex"`
}

func (r tokenRow) toDomain() token.Token {
	return token.Token{
		ID:            r.ID,
		MintAddress:   r.MintAddress,
		Name:          r.Name,
		Symbol:        r.Symbol,
		Status:        token.Status(r.Status),
		CreatedAt:     r.CreatedAt,
		LastUpdatedAt: r.LastUpdatedAt,
		PrimaryDex:    r.PrimaryDex,
		LiquidityUSD:  r.LiquidityUSD,
	}
}

// InsertMonitoring is idempotent on mint_address: a second insert for the
// same mint returns the existing row with inserted=false and never errors.
func (p *Postgres) InsertMonitoring(ctx context.Context, mint, name, symbol string) (token.Token, bool, error) {
	const q = `
		INSERT INTO tokens (mint_address, name, symbol, status, created_at, last_updated_at)
		VALUES ($1, $2, $3, 'monitoring', now(), now())
		ON CONFLICT (mint_address) DO NOTHING
		RETURNING id, mint_address, name, symbol, status, created_at, last_updated_at, liquidity_usd, primary_dex`

	var row tokenRow
	err := p.db.GetContext(ctx, &row, q, mint, name, symbol)
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, false, apperrors.Wrap(apperrors.ErrCodePersist, "insert monitoring token", err)
	}

	existing, getErr := p.GetByMint(ctx, mint)
	if getErr != nil {
		return token.Token{}, false, getErr
	}
	return existing, false, nil
}

func (p *Postgres) GetByMint(ctx context.Context, mint string) (token.Token, error) {
	const q = `SELECT id, mint_address, name, symbol, status, created_at, last_updated_at, liquidity_usd, primary_dex
		FROM tokens WHERE mint_address = $1`
	var row tokenRow
	if err := p.db.GetContext(ctx, &row, q, mint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token.Token{}, apperrors.ErrNotFound
		}
		return token.Token{}, apperrors.Wrap(apperrors.ErrCodePersist, "get token by mint", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetByID(ctx context.Context, id int64) (token.Token, error) {
	const q = `SELECT id, mint_address, name, symbol, status, created_at, last_updated_at, liquidity_usd, primary_dex
		FROM tokens WHERE id = $1`
	var row tokenRow
	if err := p.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token.Token{}, apperrors.ErrNotFound
		}
		return token.Token{}, apperrors.Wrap(apperrors.ErrCodePersist, "get token by id", err)
	}
	return row.toDomain(), nil
}

// ListByStatus orders stably by id so pagination is reproducible across calls.
func (p *Postgres) ListByStatus(ctx context.Context, status token.Status, limit, offset int) ([]token.Token, error) {
	const q = `SELECT id, mint_address, name, symbol, status, created_at, last_updated_at, liquidity_usd, primary_dex
		FROM tokens WHERE status = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	var rows []tokenRow
	if err := p.db.SelectContext(ctx, &rows, q, string(status), limit, offset); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodePersist, "list tokens by status", err)
	}
	out := make([]token.Token, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// ListActiveOrderedByScore joins on each token's latest snapshot so the
// Scheduler and Export Writer never issue a per-token follow-up query.
func (p *Postgres) ListActiveOrderedByScore(ctx context.Context, limit int) ([]token.Token, error) {
	const q = `
		SELECT t.id, t.mint_address, t.name, t.symbol, t.status, t.created_at, t.last_updated_at, t.liquidity_usd, t.primary_dex
		FROM tokens t
		JOIN LATERAL (
			SELECT smoothed_score FROM token_scores ts
			WHERE ts.token_id = t.id ORDER BY ts.created_at DESC LIMIT 1
		) latest ON true
		WHERE t.status = 'active'
		ORDER BY latest.smoothed_score DESC
		LIMIT $1`
	var rows []tokenRow
	if err := p.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodePersist, "list active tokens by score", err)
	}
	out := make([]token.Token, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// UpdateStatus does not itself enforce monotonicity (spec §8's status
// monotonicity property); callers (the Scheduler's activation/archival
// sweeps) only ever request forward transitions.
func (p *Postgres) UpdateStatus(ctx context.Context, tokenID int64, newStatus token.Status) error {
	const q = `UPDATE tokens SET status = $1, last_updated_at = now() WHERE id = $2`
	res, err := p.db.ExecContext(ctx, q, string(newStatus), tokenID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodePersist, "update token status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// UpdateCachedAttributes opportunistically fills name/symbol and refreshes
// the denormalized liquidity/primary_dex fields used by list views.
func (p *Postgres) UpdateCachedAttributes(ctx context.Context, tokenID int64, name, symbol, primaryDex string, liquidityUSD float64) error {
	const q = `
		UPDATE tokens SET
			name = CASE WHEN name = '' THEN $2 ELSE name END,
			symbol = CASE WHEN symbol = '' THEN $3 ELSE symbol END,
			primary_dex = $4,
			liquidity_usd = $5,
			last_updated_at = now()
		WHERE id = $1`
	_, err := p.db.ExecContext(ctx, q, tokenID, name, symbol, primaryDex, liquidityUSD)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodePersist, "update cached token attributes", err)
	}
	return nil
}

type snapshotRow struct {
	ID                  int64           `db:"id"`
	TokenID             int64           `db:"token_id"`
	Score               float64         `db:"score"`
	SmoothedScore       float64         `db:"smoothed_score"`
	RawComponents       json.RawMessage `db:"raw_components"`
	SmoothedComponents  json.RawMessage `db:"smoothed_components"`
	SpamMetrics         sql.NullString  `db:"spam_metrics"`
	ScoringModel        string          `db:"scoring_model"`
	Metrics             json.RawMessage `db:"metrics"`
	EmergencyFallback   bool            `db:"emergency_fallback"`
	NoSignificantChange bool            `db:"no_significant_change"`
	Pools               sql.NullString  `db:"pools"`
	CreatedAt           time.Time       `db:"created_at"`
}

func (r snapshotRow) toDomain() (token.ScoreSnapshot, error) {
	snap := token.ScoreSnapshot{
		ID:                  r.ID,
		TokenID:             r.TokenID,
		CreatedAt:           r.CreatedAt,
		Score:               r.Score,
		SmoothedScore:       r.SmoothedScore,
		ScoringModel:        r.ScoringModel,
		EmergencyFallback:   r.EmergencyFallback,
		NoSignificantChange: r.NoSignificantChange,
	}
	if err := json.Unmarshal(r.RawComponents, &snap.RawComponents); err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("decode raw_components: %w", err)
	}
	if err := json.Unmarshal(r.SmoothedComponents, &snap.SmoothedComponents); err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("decode smoothed_components: %w", err)
	}
	if err := json.Unmarshal(r.Metrics, &snap.Metrics); err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("decode metrics: %w", err)
	}
	if r.SpamMetrics.Valid && r.SpamMetrics.String != "" {
		var sm token.SpamMetrics
		if err := json.Unmarshal([]byte(r.SpamMetrics.String), &sm); err != nil {
			return token.ScoreSnapshot{}, fmt.Errorf("decode spam_metrics: %w", err)
		}
		snap.SpamMetrics = &sm
	}
	if r.Pools.Valid && r.Pools.String != "" {
		if err := json.Unmarshal([]byte(r.Pools.String), &snap.Pools); err != nil {
			return token.ScoreSnapshot{}, fmt.Errorf("decode pools: %w", err)
		}
	}
	return snap, nil
}

func (p *Postgres) GetLatestSnapshot(ctx context.Context, tokenID int64) (token.ScoreSnapshot, bool, error) {
	const q = `SELECT id, token_id, score, smoothed_score, raw_components, smoothed_components, spam_metrics,
		scoring_model, metrics, emergency_fallback, no_significant_change, pools, created_at
		FROM token_scores WHERE token_id = $1 ORDER BY created_at DESC LIMIT 1`
	var row snapshotRow
	if err := p.db.GetContext(ctx, &row, q, tokenID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token.ScoreSnapshot{}, false, nil
		}
		return token.ScoreSnapshot{}, false, apperrors.Wrap(apperrors.ErrCodePersist, "get latest snapshot", err)
	}
	snap, err := row.toDomain()
	if err != nil {
		return token.ScoreSnapshot{}, false, apperrors.Wrap(apperrors.ErrCodePersist, "decode latest snapshot", err)
	}
	return snap, true, nil
}

// GetLatestSnapshotsBatch answers the "latest per token" query for an
// arbitrary id set with one round trip (spec §9's N+1 fix), using Postgres's
// DISTINCT ON to pick the newest row per token_id.
func (p *Postgres) GetLatestSnapshotsBatch(ctx context.Context, tokenIDs []int64) (map[int64]token.ScoreSnapshot, error) {
	out := make(map[int64]token.ScoreSnapshot, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out, nil
	}

	const q = `SELECT DISTINCT ON (token_id) id, token_id, score, smoothed_score, raw_components, smoothed_components,
		spam_metrics, scoring_model, metrics, emergency_fallback, no_significant_change, pools, created_at
		FROM token_scores
		WHERE token_id = ANY($1)
		ORDER BY token_id, created_at DESC`

	var rows []snapshotRow
	if err := p.db.SelectContext(ctx, &rows, q, pq.Array(tokenIDs)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodePersist, "get latest snapshots batch", err)
	}
	for _, r := range rows {
		snap, err := r.toDomain()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodePersist, "decode batch snapshot", err)
		}
		out[r.TokenID] = snap
	}
	return out, nil
}

// InsertScoreSnapshot writes snap in a short transaction, copying forward
// spam_metrics from the prior snapshot when snap didn't compute its own
// (spam analysis runs on a separate cadence), and refreshes the token's
// denormalized liquidity/primary_dex/last_updated_at fields.
func (p *Postgres) InsertScoreSnapshot(ctx context.Context, tokenID int64, snap token.ScoreSnapshot) (token.ScoreSnapshot, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return token.ScoreSnapshot{}, apperrors.Wrap(apperrors.ErrCodePersist, "begin snapshot tx", err)
	}
	defer tx.Rollback()

	if snap.SpamMetrics == nil {
		const prevQ = `SELECT spam_metrics FROM token_scores WHERE token_id = $1 ORDER BY created_at DESC LIMIT 1`
		var prev sql.NullString
		if err := tx.GetContext(ctx, &prev, prevQ, tokenID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return token.ScoreSnapshot{}, apperrors.Wrap(apperrors.ErrCodePersist, "load prior spam_metrics", err)
		}
		if prev.Valid && prev.String != "" {
			var sm token.SpamMetrics
			if err := json.Unmarshal([]byte(prev.String), &sm); err == nil {
				snap.SpamMetrics = &sm
			}
		}
	}

	rawJSON, err := json.Marshal(snap.RawComponents)
	if err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("encode raw_components: %w", err)
	}
	smoothedJSON, err := json.Marshal(snap.SmoothedComponents)
	if err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("encode smoothed_components: %w", err)
	}
	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("encode metrics: %w", err)
	}
	poolsJSON, err := json.Marshal(snap.Pools)
	if err != nil {
		return token.ScoreSnapshot{}, fmt.Errorf("encode pools: %w", err)
	}
	var spamJSON sql.NullString
	if snap.SpamMetrics != nil {
		b, err := json.Marshal(snap.SpamMetrics)
		if err != nil {
			return token.ScoreSnapshot{}, fmt.Errorf("encode spam_metrics: %w", err)
		}
		spamJSON = sql.NullString{String: string(b), Valid: true}
	}

	const insQ = `
		INSERT INTO token_scores (token_id, score, smoothed_score, raw_components, smoothed_components,
			spam_metrics, scoring_model, metrics, emergency_fallback, no_significant_change, pools, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		RETURNING id, created_at`
	var inserted struct {
		ID        int64     `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := tx.GetContext(ctx, &inserted, insQ, tokenID, snap.Score, snap.SmoothedScore, rawJSON, smoothedJSON,
		spamJSON, snap.ScoringModel, metricsJSON, snap.EmergencyFallback, snap.NoSignificantChange, poolsJSON); err != nil {
		return token.ScoreSnapshot{}, apperrors.Wrap(apperrors.ErrCodePersist, "insert score snapshot", err)
	}

	const updTokenQ = `UPDATE tokens SET last_updated_at = now(), liquidity_usd = $2, primary_dex = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updTokenQ, tokenID, snap.Metrics.LiquidityUSD, snap.Metrics.PrimaryDex); err != nil {
		return token.ScoreSnapshot{}, apperrors.Wrap(apperrors.ErrCodePersist, "refresh token cache fields", err)
	}

	if err := tx.Commit(); err != nil {
		return token.ScoreSnapshot{}, apperrors.Wrap(apperrors.ErrCodePersist, "commit snapshot tx", err)
	}

	snap.ID = inserted.ID
	snap.TokenID = tokenID
	snap.CreatedAt = inserted.CreatedAt
	return snap, nil
}

// SnapshotHistory returns snapshots since a cutoff, oldest first, for the
// archival sweep's continuous-dwell scan.
func (p *Postgres) SnapshotHistory(ctx context.Context, tokenID int64, since time.Time) ([]token.ScoreSnapshot, error) {
	const q = `SELECT id, token_id, score, smoothed_score, raw_components, smoothed_components, spam_metrics,
		scoring_model, metrics, emergency_fallback, no_significant_change, pools, created_at
		FROM token_scores WHERE token_id = $1 AND created_at >= $2 ORDER BY created_at ASC`
	var rows []snapshotRow
	if err := p.db.SelectContext(ctx, &rows, q, tokenID, since); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodePersist, "snapshot history", err)
	}
	out := make([]token.ScoreSnapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.toDomain()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodePersist, "decode history snapshot", err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (p *Postgres) GetSetting(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM app_settings WHERE key = $1`
	var value string
	if err := p.db.GetContext(ctx, &value, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperrors.Wrap(apperrors.ErrCodePersist, "get setting", err)
	}
	return value, true, nil
}

func (p *Postgres) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO app_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := p.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodePersist, "set setting", err)
	}
	return nil
}

var _ Repository = (*Postgres)(nil)
