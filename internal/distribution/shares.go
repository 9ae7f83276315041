package distribution

import (
	"math/big"
	"sort"

	"solana-fee-pipeline/internal/domain"
)

// Share is the payout owed to one holder.
type Share struct {
	Address string
	Amount  *big.Int
}

// ShareParams configures a proportional payout.
type ShareParams struct {
	Amount     *big.Int // base currency to distribute
	RewardRate int64
	SwapRate   int64    // reward + jackpot
	Supply     *big.Int // share denominator (eligible supply)
}

// ComputeShares pays every holder in proportion to its balance:
//
//	share = floor(amount * balance * rewardRate / (swapRate * supply))
//
// Zero shares are dropped. If the supplied denominator is smaller than the
// holders' combined balance, the combined balance is used instead so the sum
// of shares never exceeds the amount. Output order follows input order.
func ComputeShares(holders []domain.Holder, p ShareParams) []Share {
	if p.Amount == nil || p.Amount.Sign() <= 0 || p.SwapRate <= 0 || p.RewardRate <= 0 {
		return nil
	}

	supply := new(big.Int)
	if p.Supply != nil {
		supply.Set(p.Supply)
	}
	if sum := SumBalances(holders); sum.Cmp(supply) > 0 {
		supply = sum
	}
	if supply.Sign() <= 0 {
		return nil
	}

	denom := new(big.Int).Mul(big.NewInt(p.SwapRate), supply)
	numBase := new(big.Int).Mul(p.Amount, big.NewInt(p.RewardRate))

	shares := make([]Share, 0, len(holders))
	for _, h := range holders {
		if h.Balance == nil || h.Balance.Sign() <= 0 {
			continue
		}
		amt := new(big.Int).Mul(numBase, h.Balance)
		amt.Quo(amt, denom)
		if amt.Sign() == 0 {
			continue
		}
		shares = append(shares, Share{Address: h.Address, Amount: amt})
	}
	return shares
}

// SumShares returns the total of all share amounts.
func SumShares(shares []Share) *big.Int {
	sum := new(big.Int)
	for _, s := range shares {
		sum.Add(sum, s.Amount)
	}
	return sum
}

// SumBalances returns the combined balance of the holders.
func SumBalances(holders []domain.Holder) *big.Int {
	sum := new(big.Int)
	for _, h := range holders {
		if h.Balance != nil {
			sum.Add(sum, h.Balance)
		}
	}
	return sum
}

// EligibleSupply removes the excluded balances from the total supply.
// The result is never below the combined eligible balance.
func EligibleSupply(totalSupply *big.Int, excluded, eligible []domain.Holder) *big.Int {
	supply := new(big.Int)
	if totalSupply != nil {
		supply.Set(totalSupply)
	}
	supply.Sub(supply, SumBalances(excluded))

	if floor := SumBalances(eligible); supply.Cmp(floor) < 0 {
		return floor
	}
	return supply
}

// MergeHolders combines entries for the same address and drops zero balances.
// The result is sorted by address for deterministic batching.
func MergeHolders(holders []domain.Holder) []domain.Holder {
	byAddr := make(map[string]*big.Int, len(holders))
	for _, h := range holders {
		if h.Address == "" || h.Balance == nil {
			continue
		}
		if cur, ok := byAddr[h.Address]; ok {
			cur.Add(cur, h.Balance)
			continue
		}
		byAddr[h.Address] = new(big.Int).Set(h.Balance)
	}

	out := make([]domain.Holder, 0, len(byAddr))
	for addr, bal := range byAddr {
		if bal.Sign() <= 0 {
			continue
		}
		out = append(out, domain.Holder{Address: addr, Balance: bal})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}
