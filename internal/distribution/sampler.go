package distribution

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"

	"solana-fee-pipeline/internal/domain"
)

// ErrEmptyPopulation is returned when no holder has a positive weight.
var ErrEmptyPopulation = errors.New("no holders with positive balance")

// Sampler draws holders with probability proportional to their balance.
// Cumulative sums are kept as big integers so large supplies are unbiased.
type Sampler struct {
	addresses  []string
	cumulative []*big.Int
	total      *big.Int
	rng        io.Reader
}

// NewSampler builds the cumulative distribution over the holders.
// Holders with a zero or negative balance are skipped.
// A nil rng uses crypto/rand.
func NewSampler(holders []domain.Holder, rng io.Reader) (*Sampler, error) {
	if rng == nil {
		rng = rand.Reader
	}

	s := &Sampler{total: new(big.Int), rng: rng}
	for _, h := range holders {
		if h.Balance == nil || h.Balance.Sign() <= 0 {
			continue
		}
		s.total = new(big.Int).Add(s.total, h.Balance)
		s.addresses = append(s.addresses, h.Address)
		s.cumulative = append(s.cumulative, s.total)
	}

	if len(s.addresses) == 0 {
		return nil, ErrEmptyPopulation
	}
	return s, nil
}

// Total returns the combined weight.
func (s *Sampler) Total() *big.Int {
	return new(big.Int).Set(s.total)
}

// Len returns the number of weighted entries.
func (s *Sampler) Len() int {
	return len(s.addresses)
}

// Draw picks a uniform integer in [0, total) and returns the first holder
// whose cumulative balance exceeds it.
func (s *Sampler) Draw() (string, error) {
	n, err := rand.Int(s.rng, s.total)
	if err != nil {
		return "", fmt.Errorf("draw random: %w", err)
	}
	return s.pick(n), nil
}

// pick returns the holder owning position n of the cumulative range.
func (s *Sampler) pick(n *big.Int) string {
	idx := sort.Search(len(s.cumulative), func(i int) bool {
		return s.cumulative[i].Cmp(n) > 0
	})
	return s.addresses[idx]
}
