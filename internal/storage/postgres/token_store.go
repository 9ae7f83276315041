package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
// Counter updates are single-statement read-modify-writes.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

const tokenColumns = `
	token_id, mint, reward_tax_rate, jackpot_tax_rate, burn_tax_rate,
	total_supply::text, decimals, status,
	creator_address, creator_locked_amount::text,
	pool_address, vault_address, bonding_curve_address,
	distribution_pending::text, jackpot_amount::text, jackpot_queue, jackpot_runs,
	last_jackpot_draws, last_jackpot_amount::text, updated_at
`

// Upsert inserts or replaces the static token configuration.
func (s *TokenStore) Upsert(ctx context.Context, t *domain.Token) error {
	if t == nil || t.ID == "" || t.Mint == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (
			token_id, mint, reward_tax_rate, jackpot_tax_rate, burn_tax_rate,
			total_supply, decimals, status,
			creator_address, creator_locked_amount,
			pool_address, vault_address, bonding_curve_address, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (token_id) DO UPDATE
		SET mint = EXCLUDED.mint,
		    reward_tax_rate = EXCLUDED.reward_tax_rate,
		    jackpot_tax_rate = EXCLUDED.jackpot_tax_rate,
		    burn_tax_rate = EXCLUDED.burn_tax_rate,
		    total_supply = EXCLUDED.total_supply,
		    decimals = EXCLUDED.decimals,
		    status = EXCLUDED.status,
		    creator_address = EXCLUDED.creator_address,
		    creator_locked_amount = EXCLUDED.creator_locked_amount,
		    pool_address = EXCLUDED.pool_address,
		    vault_address = EXCLUDED.vault_address,
		    bonding_curve_address = EXCLUDED.bonding_curve_address,
		    updated_at = EXCLUDED.updated_at
	`,
		t.ID, t.Mint, t.RewardTaxRate, t.JackpotTaxRate, t.BurnTaxRate,
		numeric(t.TotalSupply), int16(t.Decimals), t.Status,
		t.CreatorAddress, numeric(t.CreatorLockedAmount),
		t.PoolAddress, t.VaultAddress, t.BondingCurveAddress, nowMillis(),
	)
	if err != nil {
		if IsDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// GetByID retrieves a token by its ID. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByID(ctx context.Context, tokenID string) (*domain.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
	t, err := scanToken(row)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// ListByStatus retrieves all tokens with the given lifecycle status, ordered by ID.
func (s *TokenStore) ListByStatus(ctx context.Context, status string) ([]*domain.Token, error) {
	return s.list(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE status = $1 ORDER BY token_id`, status)
}

// ListWithPendingDistribution retrieves tokens whose distribution_pending > 0.
func (s *TokenStore) ListWithPendingDistribution(ctx context.Context) ([]*domain.Token, error) {
	return s.list(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE distribution_pending > 0 ORDER BY token_id`)
}

// ListWithJackpotQueue retrieves tokens whose jackpot_queue > 0.
func (s *TokenStore) ListWithJackpotQueue(ctx context.Context) ([]*domain.Token, error) {
	return s.list(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE jackpot_queue > 0 ORDER BY token_id`)
}

func (s *TokenStore) list(ctx context.Context, query string, args ...any) ([]*domain.Token, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var result []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// AddDistributionPending atomically increases distribution_pending.
func (s *TokenStore) AddDistributionPending(ctx context.Context, tokenID string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return storage.ErrInvalidInput
	}

	return s.execOne(ctx, `
		UPDATE tokens
		SET distribution_pending = distribution_pending + $2, updated_at = $3
		WHERE token_id = $1
	`, tokenID, numeric(amount), nowMillis())
}

// TakeDistributionPending atomically reads distribution_pending and resets it to zero.
func (s *TokenStore) TakeDistributionPending(ctx context.Context, tokenID string) (*big.Int, error) {
	// The sub-select locks the row so the returned value is the pre-update one.
	row := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT token_id, distribution_pending
			FROM tokens
			WHERE token_id = $1
			FOR UPDATE
		)
		UPDATE tokens t
		SET distribution_pending = 0, updated_at = $2
		FROM prev
		WHERE t.token_id = prev.token_id
		RETURNING prev.distribution_pending::text
	`, tokenID, nowMillis())

	var taken string
	if err := row.Scan(&taken); err != nil {
		if IsNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("take distribution pending: %w", err)
	}
	return parseNumeric(taken)
}

// WithDistributionPending locks the token row and hands its pending
// distribution to fn inside one transaction. The counter is zeroed in the
// same transaction when fn succeeds; an error from fn rolls back everything
// fn wrote through tx and leaves the amount pending.
// Returns ErrNotFound if the token does not exist.
func (s *TokenStore) WithDistributionPending(ctx context.Context, tokenID string, fn func(ctx context.Context, tx pgx.Tx, pending *big.Int) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx, `
			SELECT distribution_pending::text FROM tokens WHERE token_id = $1 FOR UPDATE
		`, tokenID).Scan(&raw)
		if err != nil {
			if IsNotFoundError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("lock pending distribution: %w", err)
		}
		pending, err := parseNumeric(raw)
		if err != nil {
			return err
		}

		if err := fn(ctx, tx, pending); err != nil {
			return err
		}
		if pending.Sign() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE tokens SET distribution_pending = 0, updated_at = $2 WHERE token_id = $1
		`, tokenID, nowMillis())
		if err != nil {
			return fmt.Errorf("take pending distribution: %w", err)
		}
		return nil
	})
}

// AddJackpot adds amount to the pot and increments jackpot_queue by one.
func (s *TokenStore) AddJackpot(ctx context.Context, tokenID string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return storage.ErrInvalidInput
	}

	return s.execOne(ctx, `
		UPDATE tokens
		SET jackpot_amount = jackpot_amount + $2,
		    jackpot_queue = jackpot_queue + 1,
		    updated_at = $3
		WHERE token_id = $1
	`, tokenID, numeric(amount), nowMillis())
}

// SettleJackpotRun settles run if it is still the open run and the queue and
// pot cover it. The WHERE clause makes the update a compare-and-swap on
// jackpot_runs.
func (s *TokenStore) SettleJackpotRun(ctx context.Context, tokenID string, run, draws int64, perDraw *big.Int) (bool, error) {
	if draws <= 0 || perDraw == nil || perDraw.Sign() <= 0 {
		return false, storage.ErrInvalidInput
	}
	paid := new(big.Int).Mul(perDraw, big.NewInt(draws))

	var settled, exists bool
	err := s.pool.QueryRow(ctx, `
		WITH settled AS (
			UPDATE tokens
			SET jackpot_queue = jackpot_queue - $3,
			    jackpot_amount = jackpot_amount - $5,
			    jackpot_runs = jackpot_runs + 1,
			    last_jackpot_draws = $3,
			    last_jackpot_amount = $4,
			    updated_at = $6
			WHERE token_id = $1
			  AND jackpot_runs = $2
			  AND jackpot_queue >= $3
			  AND jackpot_amount >= $5
			RETURNING token_id
		)
		SELECT EXISTS (SELECT 1 FROM settled),
		       EXISTS (SELECT 1 FROM tokens WHERE token_id = $1)
	`, tokenID, run, draws, numeric(perDraw), numeric(paid), nowMillis()).Scan(&settled, &exists)
	if err != nil {
		return false, fmt.Errorf("settle jackpot run: %w", err)
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return settled, nil
}

// execOne runs an update that must touch exactly one token row.
func (s *TokenStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var (
		t                                   domain.Token
		decimals                            int16
		supply, locked, pending, jackpotPot string
		lastJackpot                         string
	)

	err := row.Scan(
		&t.ID, &t.Mint, &t.RewardTaxRate, &t.JackpotTaxRate, &t.BurnTaxRate,
		&supply, &decimals, &t.Status,
		&t.CreatorAddress, &locked,
		&t.PoolAddress, &t.VaultAddress, &t.BondingCurveAddress,
		&pending, &jackpotPot, &t.JackpotQueue, &t.JackpotRuns,
		&t.LastJackpotDraws, &lastJackpot, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Decimals = uint8(decimals)
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&t.TotalSupply, supply},
		{&t.CreatorLockedAmount, locked},
		{&t.DistributionPending, pending},
		{&t.JackpotAmount, jackpotPot},
		{&t.LastJackpotAmount, lastJackpot},
	} {
		v, err := parseNumeric(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	return &t, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
