package distribution

import (
	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/ledger"
)

// ExclusionSet is a set of addresses that never receive payouts.
type ExclusionSet map[string]struct{}

// NewExclusionSet builds a set from the given addresses, ignoring empty ones.
func NewExclusionSet(addrs ...string) ExclusionSet {
	set := make(ExclusionSet, len(addrs))
	for _, a := range addrs {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}

// Add inserts more addresses into the set.
func (s ExclusionSet) Add(addrs ...string) {
	for _, a := range addrs {
		if a != "" {
			s[a] = struct{}{}
		}
	}
}

// Contains reports whether addr is excluded.
func (s ExclusionSet) Contains(addr string) bool {
	_, ok := s[addr]
	return ok
}

// Partition turns token accounts into holders, split into eligible and
// excluded and merged by owner. An account is excluded when either its
// address or its owner is in the set; empty accounts are dropped.
func (s ExclusionSet) Partition(accounts []ledger.TokenAccount) (eligible, excluded []domain.Holder) {
	for _, a := range accounts {
		if a.Amount == nil || a.Amount.Sign() <= 0 {
			continue
		}
		h := domain.Holder{Address: a.Owner, Balance: a.Amount}
		if s.Contains(a.Address) || s.Contains(a.Owner) {
			excluded = append(excluded, h)
			continue
		}
		eligible = append(eligible, h)
	}
	return MergeHolders(eligible), MergeHolders(excluded)
}
