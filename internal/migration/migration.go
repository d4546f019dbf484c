// Package migration implements the Migration Listener (spec §4.9): a
// long-lived WebSocket subscriber that inserts newly migrated mints as
// monitoring tokens. Grounded on gorilla/websocket, reconnecting with
// exponential backoff + jitter on any close, the same shape as the
// teacher's resilience.Retry backoff curve.
package migration

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/solpump-scout/internal/logging"
	"github.com/R3E-Network/solpump-scout/internal/repository"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// Event is one migration notification. Only mint is mandatory (spec §6).
type Event struct {
	Mint   string `json:"mint"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

type subscribeRequest struct {
	Method string `json:"method"`
	ID     int    `json:"id"`
}

// Config controls the Listener.
type Config struct {
	URL              string
	SubscribeMethod  string
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HeartbeatInterval time.Duration
	MaxEvents        int // 0 = unlimited; used by ops tests to bound a run
}

func defaultConfig(cfg Config) Config {
	if cfg.SubscribeMethod == "" {
		cfg.SubscribeMethod = "subscribeMigration"
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return cfg
}

// Listener is the Migration Listener.
type Listener struct {
	cfg   Config
	repo  repository.Repository
	log   *logging.Logger
	dial  func(url string) (*websocket.Conn, error)
	seen  map[string]bool
	count int
}

// New constructs a Listener against repo, which owns InsertMonitoring.
func New(cfg Config, repo repository.Repository, log *logging.Logger) *Listener {
	if log == nil {
		log = logging.NewDefault("migration")
	}
	return &Listener{
		cfg:  defaultConfig(cfg),
		repo: repo,
		log:  log,
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
			return conn, err
		},
		seen: make(map[string]bool),
	}
}

// Run drives the listener's lifecycle: connect → subscribe → loop{read} →
// on_error: close + backoff + reconnect, until ctx is canceled or MaxEvents
// is reached.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := l.dial(l.cfg.URL)
		if err != nil {
			l.log.WithField("error", err).Warn("migration listener dial failed")
			if !sleepBackoff(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
			continue
		}
		backoff = l.cfg.InitialBackoff

		if err := l.subscribe(conn); err != nil {
			l.log.WithField("error", err).Warn("migration subscribe failed")
			conn.Close()
			if !sleepBackoff(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}

		done := l.readLoop(ctx, conn)
		conn.Close()
		if done {
			return nil
		}
		if !sleepBackoff(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
	}
}

func (l *Listener) subscribe(conn *websocket.Conn) error {
	return conn.WriteJSON(subscribeRequest{Method: l.cfg.SubscribeMethod, ID: 1})
}

// readLoop returns true when the listener should stop entirely (MaxEvents
// reached or ctx canceled), false when it should reconnect after a
// connection-level error.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	for {
		if ctx.Err() != nil {
			return true
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			l.log.WithField("error", err).Warn("migration event decode failed")
			continue
		}
		if evt.Mint == "" {
			continue
		}

		l.handle(ctx, evt)

		if l.cfg.MaxEvents > 0 && l.count >= l.cfg.MaxEvents {
			return true
		}
	}
}

// handle ingests one event, silently ignoring mints already seen in this
// process's lifetime (InsertMonitoring is itself idempotent at the
// Repository level; this is a fast local short-circuit).
func (l *Listener) handle(ctx context.Context, evt Event) {
	if err := token.ValidateMint(evt.Mint); err != nil {
		l.log.WithField("mint", evt.Mint).Warn("migration event carried an invalid mint, skipping")
		return
	}
	if l.seen[evt.Mint] {
		return
	}
	l.seen[evt.Mint] = true
	l.count++

	if _, _, err := l.repo.InsertMonitoring(ctx, evt.Mint, evt.Name, evt.Symbol); err != nil {
		l.log.WithField("mint", evt.Mint).WithField("error", err).Warn("insert monitoring token failed")
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	jittered := d + time.Duration(rand.Int63n(int64(d)/2+1))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(jittered):
		return true
	}
}
