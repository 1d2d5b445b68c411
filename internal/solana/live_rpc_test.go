package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRPCServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *LiveRPCClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	config := RPCConfig{
		Endpoint:        server.URL,
		Timeout:         5 * time.Second,
		MaxRetries:      1,
		RateLimitRPS:    100,
		RateLimitBurst:  100,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	}
	client := NewLiveRPCClient(config)
	t.Cleanup(func() { server.Close() })
	return server, client
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  result,
	})
}

func TestLiveRPC_Health(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "ok")
	})

	err := client.Health(context.Background())
	assert.NoError(t, err)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.RequestCount)
	assert.Equal(t, "closed", stats.BreakerState)
}

func TestLiveRPC_GetAccountData(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{
			"value": map[string]any{
				"data":  []string{base64.StdEncoding.EncodeToString(payload), "base64"},
				"owner": string(PumpProgramID),
			},
		})
	})

	data, err := client.GetAccountData(context.Background(), Pubkey("curve"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestLiveRPC_GetAccountData_NotFound(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"value": nil})
	})

	_, err := client.GetAccountData(context.Background(), Pubkey("missing"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLiveRPC_GetTopHolders(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		switch req.Method {
		case "getTokenLargestAccounts":
			writeResult(w, map[string]any{
				"value": []map[string]any{
					{"address": "holder1", "amount": "500000"},
					{"address": "holder2", "amount": "300000"},
				},
			})
		case "getTokenSupply":
			writeResult(w, map[string]any{"value": map[string]any{"amount": "1000000"}})
		case "getMultipleAccounts":
			writeResult(w, map[string]any{
				"value": []any{
					map[string]any{"data": map[string]any{"parsed": map[string]any{"info": map[string]any{"owner": "walletA"}}}},
					nil,
				},
			})
		}
	})

	holders, err := client.GetTopHolders(context.Background(), Pubkey("test-mint"), 5)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, Pubkey("holder1"), holders[0].Address)
	assert.Equal(t, Pubkey("walletA"), holders[0].Owner)
	assert.InDelta(t, 50.0, holders[0].Percentage, 0.001)
	assert.InDelta(t, 30.0, holders[1].Percentage, 0.001)
	assert.Empty(t, holders[1].Owner)
}

func TestLiveRPC_GetHolderCount(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "getProgramAccounts", req.Method)
		writeResult(w, []map[string]any{{"pubkey": "a"}, {"pubkey": "b"}, {"pubkey": "c"}})
	})

	n, err := client.GetHolderCount(context.Background(), Pubkey("test-mint"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLiveRPC_RetryOnError(t *testing.T) {
	var callCount atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		if callCount.Add(1) == 1 {
			w.WriteHeader(500)
			w.Write([]byte("internal error"))
			return
		}
		writeResult(w, "ok")
	})

	err := client.Health(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), callCount.Load(), "Should retry once after failure")
}

func TestLiveRPC_RateLimited(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int64(2), client.Stats().RateLimited)
	assert.Equal(t, "closed", client.Stats().BreakerState, "429 does not trip the breaker")
}

func TestLiveRPC_BreakerOpens(t *testing.T) {
	var callCount atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		assert.Error(t, client.Health(context.Background()))
	}
	before := callCount.Load()

	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, callCount.Load(), "open breaker short-circuits the request")
}

func TestLiveRPC_RPCError(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error": map[string]any{
				"code":    -32600,
				"message": "Invalid request",
			},
		})
	})

	err := client.Health(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid request")
}

func TestLiveRPC_ContextCancellation(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second) // simulate slow response
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Health(ctx)
	assert.Error(t, err)
}
