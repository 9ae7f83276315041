package domain

import "math/big"

// Token represents a platform-issued token and its fee distribution state.
// Corresponds to the tokens table.
type Token struct {
	ID   string // platform token id
	Mint string // mint address (base58)

	// Tax configuration. Ratios are relative to their sum.
	RewardTaxRate  int64
	JackpotTaxRate int64
	BurnTaxRate    int64

	TotalSupply *big.Int // raw units
	Decimals    uint8
	Status      string // "bonding" | "graduated" | "inactive"

	// Creator allocation still locked or unvested.
	CreatorAddress      string
	CreatorLockedAmount *big.Int

	// Addresses owned by the token itself, excluded from payouts.
	PoolAddress         string
	VaultAddress        string
	BondingCurveAddress string

	// Counters mutated by the pipeline.
	DistributionPending *big.Int // lamports awaiting holder payout
	JackpotAmount       *big.Int // lamports in the jackpot pot
	JackpotQueue        int64    // pending draws
	JackpotRuns         int64    // settled jackpot runs

	// Draws and per-draw amount of the last settled run.
	LastJackpotDraws  int64
	LastJackpotAmount *big.Int

	UpdatedAt int64 // last counter update (ms)
}

// Token status constants
const (
	TokenStatusBonding   = "bonding"
	TokenStatusGraduated = "graduated"
	TokenStatusInactive  = "inactive"
)

// Swap venue constants
const (
	VenueBondingCurve = "bonding_curve"
	VenueAMM          = "amm"
)

// TotalTaxRate returns the sum of all three tax ratios.
func (t *Token) TotalTaxRate() int64 {
	return t.RewardTaxRate + t.JackpotTaxRate + t.BurnTaxRate
}

// SwapTaxRate returns the share of the tax that is converted to base currency.
func (t *Token) SwapTaxRate() int64 {
	return t.RewardTaxRate + t.JackpotTaxRate
}

// Venue returns the swap venue implied by the lifecycle status.
func (t *Token) Venue() string {
	if t.Status == TokenStatusGraduated {
		return VenueAMM
	}
	return VenueBondingCurve
}

// ExcludedAddresses returns the token-owned addresses that never receive payouts.
func (t *Token) ExcludedAddresses() []string {
	var out []string
	for _, addr := range []string{t.PoolAddress, t.VaultAddress, t.BondingCurveAddress} {
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Holder is a single balance observed on the ledger at query time.
// Never persisted.
type Holder struct {
	Address string   // owner wallet
	Balance *big.Int // raw token units
}
