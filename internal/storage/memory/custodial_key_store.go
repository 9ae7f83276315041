package memory

import (
	"context"
	"sync"

	"solana-fee-pipeline/internal/storage"
)

// CustodialKeyStore is an in-memory implementation of storage.CustodialKeyStore.
type CustodialKeyStore struct {
	mu   sync.RWMutex
	data map[string]*storage.SealedKey // keyed by token id
}

// NewCustodialKeyStore creates a new in-memory custodial key store.
func NewCustodialKeyStore() *CustodialKeyStore {
	return &CustodialKeyStore{
		data: make(map[string]*storage.SealedKey),
	}
}

// InsertIfAbsent stores the key unless one exists for the token.
func (s *CustodialKeyStore) InsertIfAbsent(_ context.Context, k *storage.SealedKey) (*storage.SealedKey, error) {
	if k == nil || k.TokenID == "" || k.PublicKey == "" || len(k.SealedKey) == 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[k.TokenID]; ok {
		return copySealed(existing), nil
	}
	for _, existing := range s.data {
		if existing.PublicKey == k.PublicKey {
			return nil, storage.ErrDuplicateKey
		}
	}

	s.data[k.TokenID] = copySealed(k)
	return copySealed(k), nil
}

// GetByTokenID retrieves the key of a token. Returns ErrNotFound if not exists.
func (s *CustodialKeyStore) GetByTokenID(_ context.Context, tokenID string) (*storage.SealedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.data[tokenID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copySealed(k), nil
}

func copySealed(k *storage.SealedKey) *storage.SealedKey {
	c := *k
	c.SealedKey = append([]byte(nil), k.SealedKey...)
	return &c
}

var _ storage.CustodialKeyStore = (*CustodialKeyStore)(nil)
