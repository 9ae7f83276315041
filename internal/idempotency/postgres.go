package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"solana-fee-pipeline/internal/storage/postgres"
)

// PostgresGuard stores claims in the idempotency_claims table so that all
// workers sharing a database see the same claims.
type PostgresGuard struct {
	pool  *postgres.Pool
	clock clockwork.Clock
}

// NewPostgresGuard creates a PostgresGuard. A nil clock uses the real clock.
func NewPostgresGuard(pool *postgres.Pool, clock clockwork.Clock) *PostgresGuard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresGuard{pool: pool, clock: clock}
}

// Compile-time interface check.
var _ Guard = (*PostgresGuard)(nil)

// Claim inserts the claim, or takes over an expired one.
func (g *PostgresGuard) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := g.clock.Now()
	tag, err := g.pool.Exec(ctx, `
		INSERT INTO idempotency_claims (claim_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (claim_id) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE idempotency_claims.expires_at <= $3
	`, id, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (g *PostgresGuard) Release(ctx context.Context, id string) error {
	if _, err := g.pool.Exec(ctx, `DELETE FROM idempotency_claims WHERE claim_id = $1`, id); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// PurgeExpired deletes expired claims and returns how many were removed.
func (g *PostgresGuard) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := g.pool.Exec(ctx, `DELETE FROM idempotency_claims WHERE expires_at <= $1`, g.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge expired claims: %w", err)
	}
	return tag.RowsAffected(), nil
}
