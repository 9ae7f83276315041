package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/storage/postgres"
	"solana-fee-pipeline/internal/storage/postgres/pgtest"
)

func TestPostgresBroker(t *testing.T) {
	dsn := pgtest.Start(t)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn, 0)
	require.NoError(t, err)
	defer pool.Close()

	b := NewPostgresBroker(pool, nil)

	t.Run("delivers and acks", func(t *testing.T) {
		publishN(t, b, "collect-fee", 5)

		cctx, cancel := context.WithCancel(ctx)
		var handled atomic.Int32
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = b.Consume(cctx, "collect-fee", fastOptions(t), func(context.Context, *Message) error {
				handled.Add(1)
				return nil
			})
		}()

		require.Eventually(t, func() bool {
			depth, err := b.Depth(ctx, "collect-fee")
			return err == nil && depth == 0 && handled.Load() == 5
		}, 10*time.Second, 20*time.Millisecond)
		cancel()
		<-done
	})

	t.Run("dead letters after max attempts", func(t *testing.T) {
		publishN(t, b, "burn-fee", 1)

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var attempts atomic.Int32
		go func() {
			_ = b.Consume(cctx, "burn-fee", fastOptions(t), func(context.Context, *Message) error {
				attempts.Add(1)
				return errors.New("rpc unavailable")
			})
		}()

		require.Eventually(t, func() bool {
			dls, err := b.DeadLetters(ctx, "burn-fee", 10)
			return err == nil && len(dls) == 1
		}, 10*time.Second, 20*time.Millisecond)

		dls, err := b.DeadLetters(ctx, "burn-fee", 10)
		require.NoError(t, err)
		assert.Equal(t, 3, dls[0].Attempts)
		assert.Equal(t, "rpc unavailable", dls[0].LastError)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("expired lease is redelivered", func(t *testing.T) {
		publishN(t, b, "swap-fee-to-sol", 1)

		msgs, err := b.lease(ctx, "swap-fee-to-sol", 1, 50*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		again, err := b.lease(ctx, "swap-fee-to-sol", 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again)

		time.Sleep(100 * time.Millisecond)

		again, err = b.lease(ctx, "swap-fee-to-sol", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, msgs[0].ID, again[0].ID)
		assert.Equal(t, 2, again[0].Attempts)
		require.NoError(t, b.ack(ctx, again[0].ID))
	})

	t.Run("publish batch is atomic", func(t *testing.T) {
		m1, _ := NewMessage("prepare-reward-distribution", payload{Amount: 1}, "c")
		dup := m1

		err := b.PublishBatch(ctx, []Message{m1, dup})
		require.Error(t, err)

		depth, err := b.Depth(ctx, "prepare-reward-distribution")
		require.NoError(t, err)
		assert.Zero(t, depth)
	})
}
