// Package distribution holds the integer arithmetic of the fee pipeline:
// tax splitting, proportional shares, batching and weighted draws.
// All amounts are arbitrary-precision integers; floating point is never used.
package distribution

import (
	"errors"
	"fmt"
	"math/big"

	"solana-fee-pipeline/internal/domain"
)

// BpsBase is the number of basis points in 100%.
const BpsBase int64 = 10000

// ErrInvalidRates is returned when a tax configuration cannot be applied.
var ErrInvalidRates = errors.New("invalid tax rates")

// TaxRates are the three tax ratios of a token, relative to their sum.
type TaxRates struct {
	Reward  int64
	Jackpot int64
	Burn    int64
}

// RatesOf extracts the tax ratios of a token.
func RatesOf(t *domain.Token) TaxRates {
	return TaxRates{
		Reward:  t.RewardTaxRate,
		Jackpot: t.JackpotTaxRate,
		Burn:    t.BurnTaxRate,
	}
}

// Total returns reward + jackpot + burn.
func (r TaxRates) Total() int64 {
	return r.Reward + r.Jackpot + r.Burn
}

// Swap returns reward + jackpot.
func (r TaxRates) Swap() int64 {
	return r.Reward + r.Jackpot
}

// Validate checks that all ratios are non-negative and at least one is positive.
func (r TaxRates) Validate() error {
	if r.Reward < 0 || r.Jackpot < 0 || r.Burn < 0 {
		return fmt.Errorf("%w: negative ratio (reward=%d jackpot=%d burn=%d)", ErrInvalidRates, r.Reward, r.Jackpot, r.Burn)
	}
	if r.Total() <= 0 {
		return fmt.Errorf("%w: ratios sum to zero", ErrInvalidRates)
	}
	return nil
}

// TaxSplit is the result of splitting a collected total.
// Dust is the integer-division remainder that stays in custody.
type TaxSplit struct {
	Burn *big.Int
	Swap *big.Int
	Dust *big.Int
}

// SplitTax divides a collected total into burn and swap portions.
//
//	burn = total * burnRate / totalRate
//	swap = total * (rewardRate + jackpotRate) / totalRate
//
// Both are floored. The remainder is reported as Dust and never exceeds the
// number of non-zero rate buckets.
func SplitTax(total *big.Int, rates TaxRates) (TaxSplit, error) {
	if err := rates.Validate(); err != nil {
		return TaxSplit{}, err
	}
	if total == nil || total.Sign() < 0 {
		return TaxSplit{}, fmt.Errorf("%w: total must be non-negative", ErrInvalidRates)
	}

	totalRate := big.NewInt(rates.Total())
	burn := mulDiv(total, big.NewInt(rates.Burn), totalRate)
	swap := mulDiv(total, big.NewInt(rates.Swap()), totalRate)

	dust := new(big.Int).Sub(total, burn)
	dust.Sub(dust, swap)

	return TaxSplit{Burn: burn, Swap: swap, Dust: dust}, nil
}

// SplitSwapOutput divides realized base currency into reward and jackpot portions.
//
//	jackpot = output * jackpotRate / (rewardRate + jackpotRate)
//	reward  = output - jackpot
func SplitSwapOutput(output *big.Int, rates TaxRates) (reward, jackpot *big.Int, err error) {
	if rates.Reward < 0 || rates.Jackpot < 0 {
		return nil, nil, fmt.Errorf("%w: negative ratio", ErrInvalidRates)
	}
	if rates.Swap() <= 0 {
		return nil, nil, fmt.Errorf("%w: reward and jackpot ratios sum to zero", ErrInvalidRates)
	}
	if output == nil || output.Sign() <= 0 {
		return new(big.Int), new(big.Int), nil
	}

	jackpot = mulDiv(output, big.NewInt(rates.Jackpot), big.NewInt(rates.Swap()))
	reward = new(big.Int).Sub(output, jackpot)
	return reward, jackpot, nil
}

// BasisPoints returns floor(amount * bps / 10000).
func BasisPoints(amount *big.Int, bps int64) *big.Int {
	if amount == nil || bps <= 0 {
		return new(big.Int)
	}
	return mulDiv(amount, big.NewInt(bps), big.NewInt(BpsBase))
}

// mulDiv returns floor(a * b / c). c must be positive.
func mulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}
