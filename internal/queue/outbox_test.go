package queue

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
	"solana-fee-pipeline/internal/storage/postgres"
	"solana-fee-pipeline/internal/storage/postgres/pgtest"
)

func TestPostgresOutbox(t *testing.T) {
	dsn := pgtest.Start(t)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn, 0)
	require.NoError(t, err)
	defer pool.Close()

	tokens := postgres.NewTokenStore(pool)
	broker := NewPostgresBroker(pool, nil)
	outbox := NewPostgresOutbox(tokens, broker)

	require.NoError(t, tokens.Upsert(ctx, &domain.Token{
		ID:          "tok1",
		Mint:        "mint1",
		TotalSupply: big.NewInt(1_000_000),
		Status:      domain.TokenStatusBonding,
	}))
	require.NoError(t, tokens.AddDistributionPending(ctx, "tok1", big.NewInt(500)))

	pending := func(t *testing.T) string {
		t.Helper()
		tok, err := tokens.GetByID(ctx, "tok1")
		require.NoError(t, err)
		return tok.DistributionPending.String()
	}
	depth := func(t *testing.T, topic string) int64 {
		t.Helper()
		n, err := broker.Depth(ctx, topic)
		require.NoError(t, err)
		return n
	}
	messages := func(t *testing.T, topic string, n int) []Message {
		t.Helper()
		msgs := make([]Message, n)
		for i := range msgs {
			m, err := NewMessage(topic, payload{Amount: i}, "corr-1")
			require.NoError(t, err)
			msgs[i] = m
		}
		return msgs
	}

	t.Run("failed build keeps the amount pending", func(t *testing.T) {
		err := outbox.TakeAndPublish(ctx, "tok1", func(context.Context, *big.Int) ([]Message, error) {
			return nil, errors.New("holder snapshot failed")
		})
		require.ErrorContains(t, err, "holder snapshot failed")
		assert.Equal(t, "500", pending(t))
	})

	t.Run("worker dying before commit keeps the amount pending", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		err := outbox.TakeAndPublish(cctx, "tok1", func(context.Context, *big.Int) ([]Message, error) {
			msgs := messages(t, "outbox-crash", 2)
			cancel()
			return msgs, nil
		})
		require.Error(t, err)
		assert.Equal(t, "500", pending(t))
		assert.Zero(t, depth(t, "outbox-crash"))
	})

	t.Run("failed insert keeps the amount pending", func(t *testing.T) {
		msgs := messages(t, "outbox-dup", 2)
		require.NoError(t, broker.Publish(ctx, msgs[1]))

		err := outbox.TakeAndPublish(ctx, "tok1", func(context.Context, *big.Int) ([]Message, error) {
			return msgs, nil
		})
		require.ErrorContains(t, err, "duplicate message id")
		assert.Equal(t, "500", pending(t))
		assert.Equal(t, int64(1), depth(t, "outbox-dup"))
	})

	t.Run("takes and publishes together", func(t *testing.T) {
		var seen *big.Int
		err := outbox.TakeAndPublish(ctx, "tok1", func(_ context.Context, amount *big.Int) ([]Message, error) {
			seen = amount
			return messages(t, "outbox-ok", 3), nil
		})
		require.NoError(t, err)
		assert.Equal(t, "500", seen.String())
		assert.Equal(t, "0", pending(t))
		assert.Equal(t, int64(3), depth(t, "outbox-ok"))

		// A second hand-off finds nothing.
		err = outbox.TakeAndPublish(ctx, "tok1", func(_ context.Context, amount *big.Int) ([]Message, error) {
			seen = amount
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, seen.Sign())
	})

	t.Run("missing token", func(t *testing.T) {
		err := outbox.TakeAndPublish(ctx, "missing", func(context.Context, *big.Int) ([]Message, error) {
			t.Fatal("build called for a missing token")
			return nil, nil
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
