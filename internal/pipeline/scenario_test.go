package pipeline

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idhash"
)

// A full cycle: 1,000,000 collected at 60/30/10 burns 100,000, swaps
// 900,000, and pays a 10% holder 60,000 of the realized 900,000.
func TestScenario_FullCycle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.seedToken(nil)
	e.ledger.SetTokenAccounts(testMint,
		account("accA", "holderA", 1_000_000, 400_000),
		account("accB", "holderB", 3_000_000, 600_000),
		account("accC", "holderC", 6_000_000, 0),
	)

	require.NoError(t, e.deliver(TopicCollectFee, CollectFeeMsg{TokenID: testToken, Mint: testMint}, e.p.Collector.Handle))
	custody := e.custodyKey()
	assert.Equal(t, big.NewInt(1_000_000), e.ledger.TokensOf(custody.PublicKey, testMint))
	assert.True(t, e.guard.Held("cycle:burn:"+testToken))
	assert.True(t, e.guard.Held("cycle:swap:"+testToken))

	burns := decodeAll[BurnFeeMsg](t, e.drain(TopicBurnFee, e.p.Burner.Handle))
	require.Len(t, burns, 1)
	assert.Equal(t, big.NewInt(100_000), burns[0].Amount)
	assert.False(t, e.guard.Held("cycle:burn:"+testToken))

	swaps := decodeAll[SwapFeeMsg](t, e.drain(TopicSwapFeeToSOL, e.p.Swapper.Handle))
	require.Len(t, swaps, 1)
	assert.Equal(t, big.NewInt(900_000), swaps[0].Amount)
	assert.Equal(t, domain.VenueBondingCurve, swaps[0].Venue)
	assert.Equal(t, burns[0].CorrelationID, swaps[0].CorrelationID)
	assert.False(t, e.guard.Held("cycle:swap:"+testToken))

	assert.Equal(t, big.NewInt(900_000), e.token().DistributionPending)
	assert.Equal(t, big.NewInt(900_000), e.ledger.LamportsOf(custody.PublicKey))

	prepares := decodeAll[PrepareDistributionMsg](t, e.drain(TopicPrepareDistribution, e.p.Preparer.Handle))
	require.Len(t, prepares, 1)
	assert.NotEqual(t, swaps[0].CorrelationID, prepares[0].CorrelationID, "prepare runs under a fresh correlation id")
	assert.Equal(t, 0, e.token().DistributionPending.Sign())

	executes := decodeAll[ExecuteDistributionMsg](t, e.drain(TopicExecuteDistribution, e.p.Executor.Handle))
	require.Len(t, executes, 1)
	assert.Equal(t, idhash.ComputePlanID(prepares[0].CorrelationID, domain.RecordKindDistribute, 0), executes[0].PlanID)

	updates := decodeAll[UpdateJackpotMsg](t, e.drain(TopicUpdateJackpot, e.p.JackpotUpdater.Handle))
	require.Len(t, updates, 1)
	assert.Equal(t, big.NewInt(300_000), updates[0].Amount)

	paid := map[string]*big.Int{}
	for _, tr := range e.ledger.Paid() {
		paid[tr.To] = tr.Amount
	}
	assert.Equal(t, big.NewInt(60_000), paid["holderA"])
	assert.Equal(t, big.NewInt(180_000), paid["holderB"])
	assert.Equal(t, big.NewInt(360_000), paid["holderC"])

	tok := e.token()
	assert.Equal(t, big.NewInt(300_000), tok.JackpotAmount)
	assert.Equal(t, int64(1), tok.JackpotQueue)

	recs := e.records.All()
	collect := recordsOfKind(recs, domain.RecordKindCollectFee)
	require.Len(t, collect, 1)
	assert.Equal(t, big.NewInt(1_000_000), collect[0].Amount)
	assert.Equal(t, "accA", collect[0].From)
	assert.Equal(t, custody.PublicKey, collect[0].To)
	assert.Len(t, recordsOfKind(recs, domain.RecordKindBurn), 1)
	assert.Len(t, recordsOfKind(recs, domain.RecordKindSwapToBase), 1)

	dist := recordsOfKind(recs, domain.RecordKindDistribute)
	require.Len(t, dist, 3)
	for _, r := range dist {
		assert.Equal(t, dist[0].Signature, r.Signature, "a batch shares one signature")
		assert.Equal(t, executes[0].PlanID, r.PlanID)
	}

	// Jackpot portion and the undistributed reward remainder stay in custody.
	assert.Equal(t, big.NewInt(300_000), e.ledger.LamportsOf(custody.PublicKey))
}

func TestScenario_BelowThreshold(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MinCollectAmount = big.NewInt(1_000) })
	e.seedToken(nil)
	e.ledger.SetTokenAccounts(testMint, account("accA", "holderA", 1_000_000, 500))

	require.NoError(t, e.deliver(TopicCollectFee, CollectFeeMsg{TokenID: testToken, Mint: testMint}, e.p.Collector.Handle))

	assert.Empty(t, e.broker.Pending(TopicBurnFee))
	assert.Empty(t, e.broker.Pending(TopicSwapFeeToSOL))
	assert.False(t, e.guard.Held("cycle:burn:"+testToken))
	assert.False(t, e.guard.Held("cycle:swap:"+testToken))

	// The withdrawn 500 stays in custody and counts towards the next cycle.
	e.ledger.SetTokenAccounts(testMint, account("accA", "holderA", 1_000_000, 700))
	require.NoError(t, e.deliver(TopicCollectFee, CollectFeeMsg{TokenID: testToken, Mint: testMint}, e.p.Collector.Handle))

	swaps := decodeAll[SwapFeeMsg](t, e.broker.Take(TopicSwapFeeToSOL))
	require.Len(t, swaps, 1)
	assert.Equal(t, big.NewInt(1_080), swaps[0].Amount)
}
