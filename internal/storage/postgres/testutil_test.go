package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/storage/postgres/pgtest"
)

// setupTestDB creates a PostgreSQL container for testing and applies migrations.
// Returns a cleanup function that must be called after tests complete.
func setupTestDB(t *testing.T) (*Pool, func()) {
	t.Helper()

	dsn := pgtest.Start(t)

	pool, err := NewPool(context.Background(), dsn, 0)
	require.NoError(t, err, "failed to create pool")

	return pool, pool.Close
}

// resetTables truncates all pipeline tables between subtests.
func resetTables(t *testing.T, pool *Pool) {
	t.Helper()

	_, err := pool.Exec(context.Background(), `
		TRUNCATE tokens, custodial_keys, distribution_records, idempotency_claims,
		         queue_messages, queue_dead_letters
	`)
	require.NoError(t, err, "failed to truncate tables")
}
