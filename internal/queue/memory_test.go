package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/logger"
)

func fastOptions(t *testing.T) ConsumeOptions {
	return ConsumeOptions{
		Prefetch:     4,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger.NewTest(t),
	}
}

func publishN(t *testing.T, b Publisher, topic string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg, err := NewMessage(topic, payload{Amount: i}, "")
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), msg))
	}
}

func TestMemoryBroker_DeliversAndAcks(t *testing.T) {
	b := NewMemoryBroker(nil)
	publishN(t, b, "collect-fee", 10)

	ctx, cancel := context.WithCancel(context.Background())
	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(ctx, "collect-fee", fastOptions(t), func(context.Context, *Message) error {
			handled.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, b.Pending("collect-fee"))
	assert.Empty(t, b.DeadLetters())
}

func TestMemoryBroker_RetriesThenSucceeds(t *testing.T) {
	b := NewMemoryBroker(nil)
	publishN(t, b, "execute-distribution", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	go func() {
		_ = b.Consume(ctx, "execute-distribution", fastOptions(t), func(_ context.Context, m *Message) error {
			n := attempts.Add(1)
			assert.Equal(t, int(n), m.Attempts)
			if n < 3 {
				return errors.New("destination not ready")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return attempts.Load() == 3 && len(b.Pending("execute-distribution")) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, b.DeadLetters())
}

func TestMemoryBroker_DeadLetters(t *testing.T) {
	t.Run("after max attempts", func(t *testing.T) {
		b := NewMemoryBroker(nil)
		publishN(t, b, "burn-fee", 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var attempts atomic.Int32
		go func() {
			_ = b.Consume(ctx, "burn-fee", fastOptions(t), func(context.Context, *Message) error {
				attempts.Add(1)
				return errors.New("rpc unavailable")
			})
		}()

		require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), attempts.Load())
		dl := b.DeadLetters()[0]
		assert.Equal(t, "rpc unavailable", dl.LastError)
		assert.Equal(t, 3, dl.Attempts)
	})

	t.Run("permanent on first failure", func(t *testing.T) {
		b := NewMemoryBroker(nil)
		publishN(t, b, "burn-fee", 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var attempts atomic.Int32
		go func() {
			_ = b.Consume(ctx, "burn-fee", fastOptions(t), func(context.Context, *Message) error {
				attempts.Add(1)
				return Permanent(errors.New("insufficient custody"))
			})
		}()

		require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("panic counts as failure", func(t *testing.T) {
		b := NewMemoryBroker(nil)
		publishN(t, b, "burn-fee", 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			_ = b.Consume(ctx, "burn-fee", fastOptions(t), func(context.Context, *Message) error {
				panic("boom")
			})
		}()

		require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Contains(t, b.DeadLetters()[0].LastError, "boom")
	})
}

func TestMemoryBroker_PrefetchBoundsConcurrency(t *testing.T) {
	b := NewMemoryBroker(nil)
	publishN(t, b, "swap-fee-to-sol", 8)

	opts := fastOptions(t)
	opts.Prefetch = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		current int
		peak    int
		total   atomic.Int32
	)
	go func() {
		_ = b.Consume(ctx, "swap-fee-to-sol", opts, func(context.Context, *Message) error {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			total.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return total.Load() == 8 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}

func TestMemoryBroker_PublishBatchIsAtomic(t *testing.T) {
	b := NewMemoryBroker(nil)
	ctx := context.Background()

	m1, _ := NewMessage("execute-distribution", payload{Amount: 1}, "c")
	m2, _ := NewMessage("update-jackpot-after-swap", payload{Amount: 2}, "c")

	b.FailPublish(errors.New("broker down"))
	assert.Error(t, b.PublishBatch(ctx, []Message{m1, m2}))
	assert.Empty(t, b.Pending("execute-distribution"))
	assert.Empty(t, b.Pending("update-jackpot-after-swap"))

	b.FailPublish(nil)
	require.NoError(t, b.PublishBatch(ctx, []Message{m1, m2}))
	assert.Len(t, b.Pending("execute-distribution"), 1)
	assert.Len(t, b.Take("update-jackpot-after-swap"), 1)
	assert.Empty(t, b.Pending("update-jackpot-after-swap"))
}
