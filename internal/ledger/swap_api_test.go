package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/logger"
	solanarpc "solana-fee-pipeline/internal/solana"
)

func newSwapAPI(t *testing.T, url string) *SwapAPIClient {
	t.Helper()
	c, err := NewSwapAPIClient(SwapAPIConfig{
		Logger:      logger.NewTest(t),
		BaseURL:     url,
		SlippageBps: 100,
	})
	require.NoError(t, err)
	return c
}

func TestSwapAPIClient_BuildSwap(t *testing.T) {
	mint, owner, payer := newPubkey(t), newPubkey(t), newPubkey(t)

	// The aggregator answers with an unsigned transaction for the owner.
	unsigned, err := solana.NewTransaction([]solana.Instruction{
		system.NewTransferInstruction(1, owner, payer).Build(),
	}, solana.Hash{}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	unsigned.Signatures = make([]solana.Signature, unsigned.Message.Header.NumRequiredSignatures)
	wire, err := unsigned.MarshalBinary()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			q := r.URL.Query()
			assert.Equal(t, mint.String(), q.Get("inputMint"))
			assert.Equal(t, solanarpc.NativeMint, q.Get("outputMint"))
			assert.Equal(t, "900000", q.Get("amount"))
			assert.Equal(t, "100", q.Get("slippageBps"))
			w.Write([]byte(`{"inAmount":"900000","outAmount":"880000","routePlan":[]}`))
		case "/swap":
			var req swapRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, owner.String(), req.UserPublicKey)
			assert.Equal(t, payer.String(), req.FeePayer)
			assert.JSONEq(t, `{"inAmount":"900000","outAmount":"880000","routePlan":[]}`, string(req.QuoteResponse))
			json.NewEncoder(w).Encode(swapResponse{SwapTransaction: base64.StdEncoding.EncodeToString(wire)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tx, err := newSwapAPI(t, server.URL).BuildSwap(context.Background(), SwapInput{
		Mint: mint, Owner: owner, Payer: payer, Amount: 900000,
	})
	require.NoError(t, err)
	assert.Len(t, tx.Message.Instructions, 1)
	assert.True(t, tx.Message.AccountKeys[0].Equals(payer))
}

func TestSwapAPIClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newSwapAPI(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := c.Quote(ctx, "in", "out", 1)
		var statusErr *solanarpc.HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode())
	}

	_, err := c.Quote(ctx, "in", "out", 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(6), hits.Load())
}

func TestSwapAPIConfig_Validate(t *testing.T) {
	cfg := SwapAPIConfig{Logger: logger.Discard(), BaseURL: "http://x", SlippageBps: 20000}
	assert.Error(t, cfg.Validate())

	cfg.SlippageBps = 50
	assert.NoError(t, cfg.Validate())

	cfg.BaseURL = ""
	assert.Error(t, cfg.Validate())
}

func TestBondingCurveVenue_BuildSwap(t *testing.T) {
	program, mint, owner, payer, curve := newPubkey(t), newPubkey(t), newPubkey(t), newPubkey(t), newPubkey(t)
	v := &BondingCurveVenue{Program: program}

	tx, err := v.BuildSwap(context.Background(), SwapInput{
		Mint: mint, Owner: owner, Payer: payer, Curve: curve.String(), Amount: 900000,
	})
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 1)
	assert.True(t, tx.Message.AccountKeys[0].Equals(payer))

	data := []byte(tx.Message.Instructions[0].Data)
	require.Len(t, data, 24)
	assert.Equal(t, sellDiscriminator[:], data[:8])

	_, err = v.BuildSwap(context.Background(), SwapInput{Mint: mint, Owner: owner, Payer: payer, Amount: 1})
	assert.Error(t, err, "curve address is required")
}
