// Package spam implements the Spam Analyzer (spec §4.11): it classifies a
// token's recent on-chain transactions by instruction program id to derive a
// spam percentage and risk level. Solana RPC's getTransaction response is
// deeply nested and its instruction shape varies by program, so it is
// traversed with tidwall/gjson rather than unmarshaled into one fixed
// struct (spec §9's design note on dynamic JSON access still gets a typed
// SpamMetrics result out the other end).
package spam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/solpump-scout/infrastructure/resilience"
	"github.com/R3E-Network/solpump-scout/internal/apperrors"
	"github.com/R3E-Network/solpump-scout/internal/token"
)

// Known program ids used to classify instructions (spec §4.11 step 3).
const (
	programComputeBudget = "ComputeBudget111111111111111111111111111111"
	programSystem        = "11111111111111111111111111111111"
	programSPLToken      = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

const defaultSignatureLimit = 20

// Config controls the Analyzer's RPC endpoint, timeouts, and circuit
// breaker. CircuitBreaker.OnStateChange is where the composition root hooks
// the Health Monitor's per-dependency breaker states (spec §4.13).
type Config struct {
	RPCURL         string
	SignatureLimit int
	RequestTimeout time.Duration
	CircuitBreaker resilience.Config
}

// Analyzer is the Spam Analyzer.
type Analyzer struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// New constructs an Analyzer.
func New(cfg Config) *Analyzer {
	if cfg.SignatureLimit <= 0 {
		cfg.SignatureLimit = defaultSignatureLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Analyzer{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: resilience.New(cfg.CircuitBreaker),
	}
}

// Analyze runs the full pipeline for one mint: fetch recent signatures, fetch
// each transaction, classify instructions, and compute spam_metrics.
// whitelist is a set of base58 account pubkeys whose transactions are
// excluded from the denominator entirely.
func (a *Analyzer) Analyze(ctx context.Context, mint string, whitelist map[string]bool) (token.SpamMetrics, error) {
	signatures, err := a.getSignatures(ctx, mint)
	if err != nil {
		return token.SpamMetrics{}, err
	}

	var counts instructionCounts
	for _, sig := range signatures {
		tx, err := a.getTransaction(ctx, sig)
		if err != nil {
			continue // per-transaction RPC failures are skipped, not fatal to the sweep
		}
		if isWhitelisted(tx, whitelist) {
			continue
		}
		counts.add(classifyInstructions(tx))
	}

	return counts.toMetrics(), nil
}

func (a *Analyzer) getSignatures(ctx context.Context, mint string) ([]string, error) {
	body, err := a.call(ctx, "getSignaturesForAddress", []interface{}{
		mint,
		map[string]interface{}{"limit": a.cfg.SignatureLimit},
	})
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return nil, apperrors.Wrap(apperrors.ErrCodeRPCUnavailable, "getSignaturesForAddress: no result", apperrors.ErrRpcUnavailable)
	}

	sigs := make([]string, 0, len(result.Array()))
	for _, entry := range result.Array() {
		if sig := entry.Get("signature").String(); sig != "" {
			sigs = append(sigs, sig)
		}
	}
	return sigs, nil
}

func (a *Analyzer) getTransaction(ctx context.Context, signature string) (gjson.Result, error) {
	body, err := a.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{"maxSupportedTransactionVersion": 0, "encoding": "jsonParsed"},
	})
	if err != nil {
		return gjson.Result{}, err
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() || !result.IsObject() {
		return gjson.Result{}, apperrors.Wrap(apperrors.ErrCodeRPCUnavailable, "getTransaction: no result", apperrors.ErrRpcUnavailable)
	}
	return result, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// call issues one JSON-RPC request through the circuit breaker, so a
// flapping RPC endpoint is short-circuited instead of timing out every
// token in the sweep.
func (a *Analyzer) call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	var body []byte
	cbErr := a.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RPCURL, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeRPCUnavailable, fmt.Sprintf("solana rpc %s failed", method), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return apperrors.New(apperrors.ErrCodeRPCUnavailable, fmt.Sprintf("solana rpc %s status %d", method, resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if cbErr != nil {
		if cbErr == resilience.ErrCircuitOpen || cbErr == resilience.ErrTooManyRequests {
			return nil, apperrors.Wrap(apperrors.ErrCodeRPCUnavailable, fmt.Sprintf("solana rpc %s short-circuited", method), cbErr)
		}
		return nil, cbErr
	}
	return body, nil
}

// isWhitelisted reports whether any of the transaction's account keys is in
// the whitelist, in which case the whole transaction is dropped from the
// denominator (spec §4.11 step 3).
func isWhitelisted(tx gjson.Result, whitelist map[string]bool) bool {
	if len(whitelist) == 0 {
		return false
	}
	for _, key := range tx.Get("transaction.message.accountKeys").Array() {
		pubkey := key.Get("pubkey").String()
		if pubkey == "" {
			pubkey = key.String() // legacy encoding: accountKeys are plain strings
		}
		if whitelist[pubkey] {
			return true
		}
	}
	return false
}

type instructionCounts struct {
	total         int
	computeBudget int
	transfer      int
	system        int
	other         int
}

func (c *instructionCounts) add(other instructionCounts) {
	c.total += other.total
	c.computeBudget += other.computeBudget
	c.transfer += other.transfer
	c.system += other.system
	c.other += other.other
}

func classifyInstructions(tx gjson.Result) instructionCounts {
	var c instructionCounts
	for _, instr := range tx.Get("transaction.message.instructions").Array() {
		programID := instr.Get("programId").String()
		c.total++
		switch {
		case programID == programComputeBudget:
			c.computeBudget++
		case programID == programSPLToken:
			c.transfer++
		case programID == programSystem:
			c.system++
		default:
			c.other++
		}
	}
	return c
}

func (c instructionCounts) toMetrics() token.SpamMetrics {
	var pct float64
	if c.total > 0 {
		pct = 100 * float64(c.computeBudget) / float64(c.total)
	}
	return token.SpamMetrics{
		SpamPercentage:     pct,
		RiskLevel:          riskLevel(pct),
		TotalInstructions:  c.total,
		ComputeBudgetCount: c.computeBudget,
		TransferCount:      c.transfer,
		SystemCount:        c.system,
		AnalysisTime:       time.Now(),
	}
}

func riskLevel(pct float64) string {
	switch {
	case pct < 25:
		return "clean"
	case pct < 50:
		return "low"
	case pct < 70:
		return "medium"
	default:
		return "high"
	}
}

// ParseWhitelist splits the comma-separated settings value into a set, the
// shape Analyze wants.
func ParseWhitelist(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, addr := range strings.Split(csv, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			out[addr] = true
		}
	}
	return out
}
