package storage

import (
	"context"
	"math/big"

	"solana-fee-pipeline/internal/domain"
)

// TokenStore provides access to tokens storage.
// Token rows are created by adjacent systems; the pipeline only mutates the
// distribution counters.
type TokenStore interface {
	// Upsert inserts or replaces the static token configuration.
	// Counters of an existing row are preserved.
	Upsert(ctx context.Context, t *domain.Token) error

	// GetByID retrieves a token by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, tokenID string) (*domain.Token, error)

	// ListByStatus retrieves all tokens with the given lifecycle status, ordered by ID.
	ListByStatus(ctx context.Context, status string) ([]*domain.Token, error)

	// ListWithPendingDistribution retrieves tokens whose distribution_pending > 0.
	ListWithPendingDistribution(ctx context.Context) ([]*domain.Token, error)

	// ListWithJackpotQueue retrieves tokens whose jackpot_queue > 0.
	ListWithJackpotQueue(ctx context.Context) ([]*domain.Token, error)

	// AddDistributionPending atomically increases distribution_pending.
	AddDistributionPending(ctx context.Context, tokenID string, amount *big.Int) error

	// TakeDistributionPending atomically reads distribution_pending and resets it to zero.
	TakeDistributionPending(ctx context.Context, tokenID string) (*big.Int, error)

	// AddJackpot atomically adds amount to the jackpot pot and increments jackpot_queue by one.
	AddJackpot(ctx context.Context, tokenID string, amount *big.Int) error

	// SettleJackpotRun settles jackpot run number run: it removes draws from
	// jackpot_queue and draws*perDraw from the pot, records both as the last
	// run and increments jackpot_runs. It only applies while jackpot_runs
	// equals run and the queue and pot cover the run; otherwise it returns
	// false and changes nothing. Returns ErrNotFound if the token does not exist.
	SettleJackpotRun(ctx context.Context, tokenID string, run, draws int64, perDraw *big.Int) (bool, error)
}

// SealedKey is a custodial keypair with its private key encrypted at rest.
type SealedKey struct {
	TokenID   string
	PublicKey string // base58
	SealedKey []byte // nonce || secretbox ciphertext
	CreatedAt int64  // creation timestamp (ms)
}

// CustodialKeyStore provides access to custodial_keys storage.
type CustodialKeyStore interface {
	// InsertIfAbsent stores the key unless one exists for the token, and
	// returns whichever key is stored after the call.
	InsertIfAbsent(ctx context.Context, k *SealedKey) (*SealedKey, error)

	// GetByTokenID retrieves the key of a token. Returns ErrNotFound if not exists.
	GetByTokenID(ctx context.Context, tokenID string) (*SealedKey, error)
}

// DistributionRecordStore provides access to distribution_records storage.
// Append-only.
type DistributionRecordStore interface {
	// InsertBulk adds multiple records atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, records []*domain.DistributionRecord) error

	// ExistsForPlan reports whether any record was written for the plan.
	ExistsForPlan(ctx context.Context, planID string) (bool, error)

	// GetByTokenID retrieves all records for a token, ordered by created_at ASC, record_id ASC.
	GetByTokenID(ctx context.Context, tokenID string) ([]*domain.DistributionRecord, error)

	// GetBySignature retrieves all records carried by one transaction.
	GetBySignature(ctx context.Context, signature string) ([]*domain.DistributionRecord, error)
}
