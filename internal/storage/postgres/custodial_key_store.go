package postgres

import (
	"context"
	"fmt"

	"solana-fee-pipeline/internal/storage"
)

// CustodialKeyStore implements storage.CustodialKeyStore using PostgreSQL.
// Uniqueness on token_id makes concurrent creators converge on one key.
type CustodialKeyStore struct {
	pool *Pool
}

// NewCustodialKeyStore creates a new CustodialKeyStore.
func NewCustodialKeyStore(pool *Pool) *CustodialKeyStore {
	return &CustodialKeyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CustodialKeyStore = (*CustodialKeyStore)(nil)

// InsertIfAbsent stores the key unless one exists for the token, and returns the stored key.
func (s *CustodialKeyStore) InsertIfAbsent(ctx context.Context, k *storage.SealedKey) (*storage.SealedKey, error) {
	if k == nil || k.TokenID == "" || k.PublicKey == "" || len(k.SealedKey) == 0 {
		return nil, storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO custodial_keys (token_id, public_key, sealed_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_id) DO NOTHING
	`, k.TokenID, k.PublicKey, k.SealedKey, k.CreatedAt)
	if err != nil {
		if IsDuplicateKeyError(err) {
			return nil, storage.ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert custodial key: %w", err)
	}

	return s.GetByTokenID(ctx, k.TokenID)
}

// GetByTokenID retrieves the key of a token. Returns ErrNotFound if not exists.
func (s *CustodialKeyStore) GetByTokenID(ctx context.Context, tokenID string) (*storage.SealedKey, error) {
	var k storage.SealedKey
	err := s.pool.QueryRow(ctx, `
		SELECT token_id, public_key, sealed_key, created_at
		FROM custodial_keys
		WHERE token_id = $1
	`, tokenID).Scan(&k.TokenID, &k.PublicKey, &k.SealedKey, &k.CreatedAt)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get custodial key: %w", err)
	}
	return &k, nil
}
