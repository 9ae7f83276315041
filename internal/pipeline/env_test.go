package pipeline

import (
	"context"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/custody"
	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idempotency"
	"solana-fee-pipeline/internal/ledger"
	"solana-fee-pipeline/internal/ledger/ledgertest"
	"solana-fee-pipeline/internal/logger"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/retry"
	"solana-fee-pipeline/internal/storage/memory"
)

const (
	testToken = "tok1"
	testMint  = "mint1"
)

// testEnv wires every stage to in-memory collaborators.
type testEnv struct {
	t       *testing.T
	ctx     context.Context
	clock   *clockwork.FakeClock
	tokens  *memory.TokenStore
	records *memory.DistributionRecordStore
	keys    *custody.Registry
	ledger  *ledgertest.Fake
	guard   *idempotency.MemoryGuard
	broker  *queue.MemoryBroker
	p       *Pipeline
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	var sealKey [32]byte
	_, err := rand.Read(sealKey[:])
	require.NoError(t, err)
	sealer, err := custody.NewSealer(&sealKey)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	keys, err := custody.NewRegistry(custody.RegistryConfig{
		Logger: logger.NewTest(t),
		Store:  memory.NewCustodialKeyStore(),
		Sealer: sealer,
		Clock:  clock,
	})
	require.NoError(t, err)

	e := &testEnv{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		tokens:  memory.NewTokenStore(clock),
		records: memory.NewDistributionRecordStore(),
		keys:    keys,
		ledger:  ledgertest.NewFake(),
		guard:   idempotency.NewMemoryGuard(clock),
		broker:  queue.NewMemoryBroker(clock),
	}

	cfg := Config{
		Logger:     logger.NewTest(t),
		Tokens:     e.tokens,
		Records:    e.records,
		Keys:       keys,
		Ledger:     e.ledger,
		Guard:      e.guard,
		Publisher:  e.broker,
		Clock:      clock,
		StoreRetry: retry.Config{MaxAttempts: 1},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e.p, err = New(cfg)
	require.NoError(t, err)
	return e
}

// seedToken stores a 60/30/10 token with a supply of ten million.
func (e *testEnv) seedToken(mutate func(*domain.Token)) *domain.Token {
	e.t.Helper()
	tok := &domain.Token{
		ID:             testToken,
		Mint:           testMint,
		RewardTaxRate:  60,
		JackpotTaxRate: 30,
		BurnTaxRate:    10,
		TotalSupply:    big.NewInt(10_000_000),
		Decimals:       6,
		Status:         domain.TokenStatusBonding,
	}
	if mutate != nil {
		mutate(tok)
	}
	require.NoError(e.t, e.tokens.Upsert(e.ctx, tok))
	return tok
}

// custodyKey returns the token's custodial key, creating it if needed.
func (e *testEnv) custodyKey() *domain.CustodialKey {
	e.t.Helper()
	k, err := e.keys.FindOrCreate(e.ctx, testToken)
	require.NoError(e.t, err)
	return k
}

func (e *testEnv) token() *domain.Token {
	e.t.Helper()
	tok, err := e.tokens.GetByID(e.ctx, testToken)
	require.NoError(e.t, err)
	return tok
}

// deliver publishes payload on topic and runs handler on it.
func (e *testEnv) deliver(topic string, payload any, handler queue.Handler) error {
	e.t.Helper()
	msg, err := queue.NewMessage(topic, payload, "")
	require.NoError(e.t, err)
	msg.Attempts = 1
	return handler(e.ctx, &msg)
}

// drain runs handler over every pending message of topic and requires success.
func (e *testEnv) drain(topic string, handler queue.Handler) []queue.Message {
	e.t.Helper()
	msgs := e.broker.Take(topic)
	for i := range msgs {
		require.NoError(e.t, handler(e.ctx, &msgs[i]), "topic %s message %d", topic, i)
	}
	return msgs
}

func decodeAll[T any](t *testing.T, msgs []queue.Message) []T {
	t.Helper()
	out := make([]T, len(msgs))
	for i := range msgs {
		require.NoError(t, msgs[i].Decode(&out[i]))
	}
	return out
}

func account(addr, owner string, amount, withheld int64) ledger.TokenAccount {
	return ledger.TokenAccount{
		Address:  addr,
		Owner:    owner,
		Amount:   big.NewInt(amount),
		Withheld: big.NewInt(withheld),
	}
}

func recordsOfKind(recs []*domain.DistributionRecord, kind string) []*domain.DistributionRecord {
	var out []*domain.DistributionRecord
	for _, r := range recs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}
