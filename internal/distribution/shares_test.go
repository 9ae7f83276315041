package distribution

import (
	"fmt"
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/ledger"
)

func holder(addr string, bal int64) domain.Holder {
	return domain.Holder{Address: addr, Balance: big.NewInt(bal)}
}

func TestComputeShares_Scenario(t *testing.T) {
	// 10% of a 1,000,000 supply, 900,000 realized, reward 60 of swap 90.
	holders := []domain.Holder{
		holder("alice", 100_000),
		holder("bob", 900_000),
	}

	shares := ComputeShares(holders, ShareParams{
		Amount:     big.NewInt(900_000),
		RewardRate: 60,
		SwapRate:   90,
		Supply:     big.NewInt(1_000_000),
	})

	require.Len(t, shares, 2)
	assert.Equal(t, "alice", shares[0].Address)
	assert.Equal(t, "60000", shares[0].Amount.String())
	assert.Equal(t, "540000", shares[1].Amount.String())
}

func TestComputeShares_NeverOverDistributes(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for iter := 0; iter < 200; iter++ {
		n := 1 + r.IntN(50)
		holders := make([]domain.Holder, n)
		for i := range holders {
			holders[i] = holder(fmt.Sprintf("h%d", i), r.Int64N(1_000_000_000))
		}
		supply := SumBalances(holders)
		supply.Add(supply, big.NewInt(r.Int64N(1000)))

		amount := big.NewInt(r.Int64N(10_000_000_000))
		reward := 1 + r.Int64N(100)
		jackpot := r.Int64N(100)

		shares := ComputeShares(holders, ShareParams{
			Amount:     amount,
			RewardRate: reward,
			SwapRate:   reward + jackpot,
			Supply:     supply,
		})

		total := SumShares(shares)
		assert.LessOrEqual(t, total.Cmp(amount), 0, "iteration %d over-distributed", iter)
		for _, s := range shares {
			assert.Positive(t, s.Amount.Sign())
		}
	}
}

func TestComputeShares_UndersizedSupply(t *testing.T) {
	holders := []domain.Holder{holder("a", 50), holder("b", 50)}

	shares := ComputeShares(holders, ShareParams{
		Amount:     big.NewInt(1000),
		RewardRate: 1,
		SwapRate:   1,
		Supply:     big.NewInt(10),
	})

	assert.Equal(t, "1000", SumShares(shares).String())
}

func TestComputeShares_DropsZeroShares(t *testing.T) {
	holders := []domain.Holder{holder("whale", 999_999), holder("dust", 1)}

	shares := ComputeShares(holders, ShareParams{
		Amount:     big.NewInt(1000),
		RewardRate: 1,
		SwapRate:   1,
		Supply:     big.NewInt(1_000_000),
	})

	require.Len(t, shares, 1)
	assert.Equal(t, "whale", shares[0].Address)
}

func TestComputeShares_Degenerate(t *testing.T) {
	holders := []domain.Holder{holder("a", 1)}

	assert.Nil(t, ComputeShares(holders, ShareParams{Amount: big.NewInt(0), RewardRate: 1, SwapRate: 1, Supply: big.NewInt(1)}))
	assert.Nil(t, ComputeShares(holders, ShareParams{Amount: big.NewInt(10), RewardRate: 0, SwapRate: 1, Supply: big.NewInt(1)}))
	assert.Nil(t, ComputeShares(nil, ShareParams{Amount: big.NewInt(10), RewardRate: 1, SwapRate: 1, Supply: big.NewInt(0)}))
}

func TestEligibleSupply(t *testing.T) {
	excluded := []domain.Holder{holder("pool", 400)}
	eligible := []domain.Holder{holder("a", 300), holder("b", 200)}

	assert.Equal(t, "600", EligibleSupply(big.NewInt(1000), excluded, eligible).String())
	// Stale supply smaller than observed balances falls back to the eligible sum.
	assert.Equal(t, "500", EligibleSupply(big.NewInt(600), excluded, eligible).String())
}

func TestMergeHolders(t *testing.T) {
	merged := MergeHolders([]domain.Holder{
		holder("b", 5),
		holder("a", 1),
		holder("b", 7),
		holder("z", 0),
		{Address: "", Balance: big.NewInt(3)},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].Address)
	assert.Equal(t, "b", merged[1].Address)
	assert.Equal(t, "12", merged[1].Balance.String())
}

func TestExclusionSet_Partition(t *testing.T) {
	set := NewExclusionSet("pool", "", "vault")
	set.Add("custody")

	acct := func(addr, owner string, amount int64) ledger.TokenAccount {
		return ledger.TokenAccount{Address: addr, Owner: owner, Amount: big.NewInt(amount)}
	}
	eligible, excluded := set.Partition([]ledger.TokenAccount{
		acct("pool", "amm-authority", 1), // excluded by account address
		acct("accA1", "alice", 2),
		acct("accA2", "alice", 5),
		acct("accC", "custody", 3), // excluded by owner
		acct("accV", "vault", 4),
		acct("accB", "bob", 0),
		{Address: "accNil", Owner: "carol"},
	})

	require.Len(t, eligible, 1)
	assert.Equal(t, "alice", eligible[0].Address)
	assert.Equal(t, "7", eligible[0].Balance.String())
	require.Len(t, excluded, 3)
	total := new(big.Int)
	for _, h := range excluded {
		total.Add(total, h.Balance)
	}
	assert.Equal(t, "8", total.String())
	assert.False(t, set.Contains(""))
}

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	batches := Chunk(items, 3)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{7}, batches[2])
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 3)
	}

	assert.Len(t, Chunk(items, 0), 1)
	assert.Len(t, Chunk(items, 100), 1)
	assert.Nil(t, Chunk([]int{}, 3))
}
