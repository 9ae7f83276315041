package memory

import (
	"math/big"

	"solana-fee-pipeline/internal/domain"
)

// cloneInt returns an independent copy; nil becomes zero.
func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneToken(t *domain.Token) *domain.Token {
	c := *t
	c.TotalSupply = cloneInt(t.TotalSupply)
	c.CreatorLockedAmount = cloneInt(t.CreatorLockedAmount)
	c.DistributionPending = cloneInt(t.DistributionPending)
	c.JackpotAmount = cloneInt(t.JackpotAmount)
	c.LastJackpotAmount = cloneInt(t.LastJackpotAmount)
	return &c
}

func cloneRecord(r *domain.DistributionRecord) *domain.DistributionRecord {
	c := *r
	c.Amount = cloneInt(r.Amount)
	return &c
}
