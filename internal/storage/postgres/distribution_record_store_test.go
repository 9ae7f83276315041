package postgres

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

func newRecord(id, plan, sig string, createdAt int64) *domain.DistributionRecord {
	return &domain.DistributionRecord{
		RecordID:  id,
		PlanID:    plan,
		TokenID:   "tok1",
		From:      "custody",
		To:        "holder-" + id,
		Amount:    big.NewInt(60_000),
		Kind:      domain.RecordKindDistribute,
		Signature: sig,
		CreatedAt: createdAt,
	}
}

func TestDistributionRecordStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDistributionRecordStore(pool)
	ctx := context.Background()

	t.Run("insert bulk and query", func(t *testing.T) {
		resetTables(t, pool)

		require.NoError(t, store.InsertBulk(ctx, []*domain.DistributionRecord{
			newRecord("r2", "plan1", "sig1", 2000),
			newRecord("r1", "plan1", "sig1", 1000),
			newRecord("r3", "plan2", "sig2", 3000),
		}))

		got, err := store.GetByTokenID(ctx, "tok1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "r1", got[0].RecordID)
		assert.Equal(t, "60000", got[0].Amount.String())

		bySig, err := store.GetBySignature(ctx, "sig1")
		require.NoError(t, err)
		assert.Len(t, bySig, 2)

		exists, err := store.ExistsForPlan(ctx, "plan2")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.ExistsForPlan(ctx, "plan9")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("duplicate fails whole batch", func(t *testing.T) {
		resetTables(t, pool)

		require.NoError(t, store.InsertBulk(ctx, []*domain.DistributionRecord{newRecord("r1", "plan1", "sig1", 1)}))

		err := store.InsertBulk(ctx, []*domain.DistributionRecord{
			newRecord("r2", "plan2", "sig2", 2),
			newRecord("r1", "plan2", "sig2", 2),
		})
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)

		exists, err := store.ExistsForPlan(ctx, "plan2")
		require.NoError(t, err)
		assert.False(t, exists, "failed batch must roll back")
	})

	t.Run("large amounts round trip", func(t *testing.T) {
		resetTables(t, pool)

		huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
		r := newRecord("big", "plan", "sig", 1)
		r.Amount = huge
		require.NoError(t, store.InsertBulk(ctx, []*domain.DistributionRecord{r}))

		got, err := store.GetBySignature(ctx, "sig")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, huge.String(), got[0].Amount.String())
	})

	t.Run("invalid input", func(t *testing.T) {
		resetTables(t, pool)

		r := newRecord("r1", "plan1", "sig1", 1)
		r.Amount = nil
		assert.ErrorIs(t, store.InsertBulk(ctx, []*domain.DistributionRecord{r}), storage.ErrInvalidInput)
	})
}
