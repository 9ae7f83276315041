package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu    sync.RWMutex
	data  map[string]*domain.Token // keyed by token id
	clock clockwork.Clock
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore(clock clockwork.Clock) *TokenStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenStore{
		data:  make(map[string]*domain.Token),
		clock: clock,
	}
}

// Upsert inserts or replaces the static token configuration.
func (s *TokenStore) Upsert(_ context.Context, t *domain.Token) error {
	if t == nil || t.ID == "" || t.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneToken(t)
	if existing, ok := s.data[t.ID]; ok {
		c.DistributionPending = existing.DistributionPending
		c.JackpotAmount = existing.JackpotAmount
		c.JackpotQueue = existing.JackpotQueue
		c.JackpotRuns = existing.JackpotRuns
		c.LastJackpotDraws = existing.LastJackpotDraws
		c.LastJackpotAmount = existing.LastJackpotAmount
	}
	c.UpdatedAt = s.clock.Now().UnixMilli()
	s.data[t.ID] = c
	return nil
}

// GetByID retrieves a token by its ID. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByID(_ context.Context, tokenID string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[tokenID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneToken(t), nil
}

// ListByStatus retrieves all tokens with the given lifecycle status, ordered by ID.
func (s *TokenStore) ListByStatus(_ context.Context, status string) ([]*domain.Token, error) {
	return s.filter(func(t *domain.Token) bool { return t.Status == status }), nil
}

// ListWithPendingDistribution retrieves tokens whose distribution_pending > 0.
func (s *TokenStore) ListWithPendingDistribution(_ context.Context) ([]*domain.Token, error) {
	return s.filter(func(t *domain.Token) bool { return t.DistributionPending.Sign() > 0 }), nil
}

// ListWithJackpotQueue retrieves tokens whose jackpot_queue > 0.
func (s *TokenStore) ListWithJackpotQueue(_ context.Context) ([]*domain.Token, error) {
	return s.filter(func(t *domain.Token) bool { return t.JackpotQueue > 0 }), nil
}

func (s *TokenStore) filter(keep func(*domain.Token) bool) []*domain.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Token
	for _, t := range s.data {
		if keep(t) {
			result = append(result, cloneToken(t))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// AddDistributionPending atomically increases distribution_pending.
func (s *TokenStore) AddDistributionPending(_ context.Context, tokenID string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return storage.ErrInvalidInput
	}

	return s.mutate(tokenID, func(t *domain.Token) {
		t.DistributionPending.Add(t.DistributionPending, amount)
	})
}

// TakeDistributionPending atomically reads distribution_pending and resets it to zero.
func (s *TokenStore) TakeDistributionPending(_ context.Context, tokenID string) (*big.Int, error) {
	taken := new(big.Int)
	err := s.mutate(tokenID, func(t *domain.Token) {
		taken.Set(t.DistributionPending)
		t.DistributionPending = new(big.Int)
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// AddJackpot adds amount to the pot and increments jackpot_queue by one.
func (s *TokenStore) AddJackpot(_ context.Context, tokenID string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return storage.ErrInvalidInput
	}

	return s.mutate(tokenID, func(t *domain.Token) {
		t.JackpotAmount.Add(t.JackpotAmount, amount)
		t.JackpotQueue++
	})
}

// SettleJackpotRun settles run if it is still the open run and the queue and
// pot cover it.
func (s *TokenStore) SettleJackpotRun(_ context.Context, tokenID string, run, draws int64, perDraw *big.Int) (bool, error) {
	if draws <= 0 || perDraw == nil || perDraw.Sign() <= 0 {
		return false, storage.ErrInvalidInput
	}
	paid := new(big.Int).Mul(perDraw, big.NewInt(draws))

	settled := false
	err := s.mutate(tokenID, func(t *domain.Token) {
		if t.JackpotRuns != run || t.JackpotQueue < draws || t.JackpotAmount.Cmp(paid) < 0 {
			return
		}
		t.JackpotQueue -= draws
		t.JackpotAmount.Sub(t.JackpotAmount, paid)
		t.JackpotRuns++
		t.LastJackpotDraws = draws
		t.LastJackpotAmount = new(big.Int).Set(perDraw)
		settled = true
	})
	return settled, err
}

func (s *TokenStore) mutate(tokenID string, fn func(*domain.Token)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[tokenID]
	if !ok {
		return storage.ErrNotFound
	}
	fn(t)
	t.UpdatedAt = s.clock.Now().UnixMilli()
	return nil
}

var _ storage.TokenStore = (*TokenStore)(nil)
