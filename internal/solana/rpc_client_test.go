package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers every request with the result produced by fn.
func rpcServer(t *testing.T, fn func(req rpcRequest) (interface{}, *RPCError)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		result, rpcErr := fn(req)
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPClient_GetBalance(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		assert.Equal(t, "getBalance", req.Method)
		return map[string]interface{}{"context": map[string]int{"slot": 1}, "value": 2_039_280}, nil
	})

	bal, err := NewHTTPClient(server.URL).GetBalance(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, uint64(2_039_280), bal)
}

func TestHTTPClient_GetMultipleAccounts(t *testing.T) {
	var calls atomic.Int32
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		calls.Add(1)
		assert.Equal(t, "getMultipleAccounts", req.Method)

		keys := req.Params[0].([]interface{})
		values := make([]interface{}, len(keys))
		for i, k := range keys {
			if k.(string) == "missing" {
				continue
			}
			values[i] = map[string]interface{}{
				"lamports": 1,
				"owner":    SystemProgramID,
				"data":     []string{"", "base64"},
			}
		}
		return map[string]interface{}{"value": values}, nil
	})

	keys := make([]string, 150)
	for i := range keys {
		keys[i] = "acct"
	}
	keys[120] = "missing"

	accounts, err := NewHTTPClient(server.URL).GetMultipleAccounts(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, accounts, 150)
	assert.Nil(t, accounts[120])
	assert.NotNil(t, accounts[0])
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_GetProgramAccounts(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		assert.Equal(t, "getProgramAccounts", req.Method)
		assert.Equal(t, Token2022ProgramID, req.Params[0])

		cfg := req.Params[1].(map[string]interface{})
		filters := cfg["filters"].([]interface{})
		require.Len(t, filters, 1)
		memcmp := filters[0].(map[string]interface{})["memcmp"].(map[string]interface{})
		assert.Equal(t, "mint111", memcmp["bytes"])

		return []interface{}{
			map[string]interface{}{
				"pubkey": "acct1",
				"account": map[string]interface{}{
					"lamports": 2039280,
					"owner":    Token2022ProgramID,
					"data":     []string{"AAAA", "base64"},
				},
			},
		}, nil
	})

	accounts, err := NewHTTPClient(server.URL).GetProgramAccounts(context.Background(), Token2022ProgramID,
		[]AccountFilter{{Memcmp: &MemcmpFilter{Offset: 0, Bytes: "mint111"}}})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acct1", accounts[0].Pubkey)
	assert.Equal(t, "AAAA", accounts[0].Account.Data)
}

func TestHTTPClient_GetTokenAccountBalance(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
			return map[string]interface{}{
				"value": map[string]interface{}{"amount": "123456789012345678901", "decimals": 6},
			}, nil
		})
		amt, err := NewHTTPClient(server.URL).GetTokenAccountBalance(context.Background(), "ata")
		require.NoError(t, err)
		assert.Equal(t, "123456789012345678901", amt.Amount)
		assert.Equal(t, uint8(6), amt.Decimals)
	})

	t.Run("missing account", func(t *testing.T) {
		server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
			return nil, &RPCError{Code: -32602, Message: "Invalid param: could not find account"}
		})
		_, err := NewHTTPClient(server.URL).GetTokenAccountBalance(context.Background(), "ata")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestHTTPClient_SubmitFlow(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		switch req.Method {
		case "getLatestBlockhash":
			return map[string]interface{}{
				"value": map[string]interface{}{"blockhash": "hash1", "lastValidBlockHeight": 100},
			}, nil
		case "simulateTransaction":
			return map[string]interface{}{
				"value": map[string]interface{}{"err": nil, "logs": []string{"ok"}, "unitsConsumed": 450},
			}, nil
		case "sendTransaction":
			cfg := req.Params[1].(map[string]interface{})
			assert.Equal(t, "base64", cfg["encoding"])
			return "sig1", nil
		case "getSignatureStatuses":
			return map[string]interface{}{
				"value": []interface{}{
					map[string]interface{}{"slot": 9, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
					nil,
				},
			}, nil
		}
		t.Errorf("unexpected method %s", req.Method)
		return nil, nil
	})

	client := NewHTTPClient(server.URL)
	ctx := context.Background()

	bh, err := client.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash1", bh.Blockhash)

	sim, err := client.SimulateTransaction(ctx, "dHg=")
	require.NoError(t, err)
	assert.Nil(t, sim.Err)
	assert.Equal(t, uint64(450), sim.UnitsConsumed)

	sig, err := client.SendTransaction(ctx, "dHg=")
	require.NoError(t, err)
	assert.Equal(t, "sig1", sig)

	statuses, err := client.GetSignatureStatuses(ctx, []string{"sig1", "sig2"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.NotNil(t, statuses[0])
	assert.True(t, statuses[0].Reached(CommitmentConfirmed))
	assert.Nil(t, statuses[1])
}

func TestHTTPClient_Retry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  int64(999),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(3),
		WithRetryDelay(10*time.Millisecond),
	)

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(999), slot)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPClient_RPCError(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32600, Message: "Invalid Request"}
	})

	_, err := NewHTTPClient(server.URL).GetSlot(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32600, rpcErr.Code)
}

func TestHTTPClient_CircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(0),
		WithCircuitBreaker(gobreaker.Settings{
			Name:    "test",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.GetSlot(ctx)
		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode())
	}

	_, err := client.GetSlot(ctx)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPClient_RateLimit(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) (interface{}, *RPCError) {
		return 1, nil
	})

	client := NewHTTPClient(server.URL, WithRateLimit(20, 1))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := client.GetSlot(ctx)
		require.NoError(t, err)
	}
	// Burst of one: four waits of 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	_, err := client.GetSlot(ctx)
	assert.Error(t, err)
}
