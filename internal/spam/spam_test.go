package spam

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/solpump-scout/infrastructure/resilience"
	"github.com/R3E-Network/solpump-scout/internal/apperrors"
)

type rpcCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func newRPCServer(t *testing.T, txInstructionPrograms map[string][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var call rpcCall
		require.NoError(t, json.Unmarshal(body, &call))

		w.Header().Set("Content-Type", "application/json")

		switch call.Method {
		case "getSignaturesForAddress":
			sigs := make([]map[string]string, 0, len(txInstructionPrograms))
			for sig := range txInstructionPrograms {
				sigs = append(sigs, map[string]string{"signature": sig})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"result": sigs})
		case "getTransaction":
			sig := call.Params[0].(string)
			programs := txInstructionPrograms[sig]
			instrs := make([]map[string]string, 0, len(programs))
			for _, p := range programs {
				instrs = append(instrs, map[string]string{"programId": p})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"transaction": map[string]interface{}{
						"message": map[string]interface{}{
							"instructions": instrs,
							"accountKeys":  []map[string]string{{"pubkey": "Payer111"}},
						},
					},
				},
			})
		}
	}))
}

func TestAnalyze_ComputesSpamPercentageAndRiskLevel(t *testing.T) {
	srv := newRPCServer(t, map[string][]string{
		"sig1": {programComputeBudget, programSPLToken, programSystem, "UnknownProgram111"},
	})
	defer srv.Close()

	a := New(Config{RPCURL: srv.URL})
	metrics, err := a.Analyze(context.Background(), "MintX", nil)
	require.NoError(t, err)
	require.Equal(t, 4, metrics.TotalInstructions)
	require.Equal(t, 1, metrics.ComputeBudgetCount)
	require.Equal(t, 1, metrics.TransferCount)
	require.Equal(t, 1, metrics.SystemCount)
	require.InDelta(t, 25.0, metrics.SpamPercentage, 1e-9)
	require.Equal(t, "low", metrics.RiskLevel)
}

func TestAnalyze_WhitelistedTransactionExcluded(t *testing.T) {
	srv := newRPCServer(t, map[string][]string{
		"sig1": {programComputeBudget, programComputeBudget},
	})
	defer srv.Close()

	a := New(Config{RPCURL: srv.URL})
	metrics, err := a.Analyze(context.Background(), "MintX", map[string]bool{"Payer111": true})
	require.NoError(t, err)
	require.Equal(t, 0, metrics.TotalInstructions)
	require.Equal(t, "clean", metrics.RiskLevel)
}

func TestAnalyze_CircuitOpensAfterRepeatedRPCFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{
		RPCURL:         srv.URL,
		CircuitBreaker: resilience.Config{MaxFailures: 1, Timeout: time.Hour},
	})

	_, err := a.Analyze(context.Background(), "MintX", nil)
	require.Error(t, err)

	// The breaker is open now: the next sweep's call short-circuits without
	// reaching the endpoint, surfaced under the RPC-unavailable code.
	_, err = a.Analyze(context.Background(), "MintX", nil)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	svcErr, ok := apperrors.AsServiceError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.ErrCodeRPCUnavailable, svcErr.Code)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestParseWhitelist_SplitsAndTrims(t *testing.T) {
	set := ParseWhitelist(" AddrA, AddrB ,,AddrC")
	require.True(t, set["AddrA"])
	require.True(t, set["AddrB"])
	require.True(t, set["AddrC"])
	require.Len(t, set, 3)
}
