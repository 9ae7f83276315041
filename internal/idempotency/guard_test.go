package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGuardContract exercises the behavior every Guard must share.
func testGuardContract(t *testing.T, g Guard) {
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		ok, err := g.Claim(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.Claim(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release allows reclaim", func(t *testing.T) {
		ok, err := g.Claim(ctx, "b", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, g.Release(ctx, "b"))

		ok, err = g.Claim(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release of unknown id is a no-op", func(t *testing.T) {
		assert.NoError(t, g.Release(ctx, "never-claimed"))
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := g.Claim(ctx, "race", time.Minute)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestMemoryGuard(t *testing.T) {
	testGuardContract(t, NewMemoryGuard(nil))
}

func TestMemoryGuard_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewMemoryGuard(clock)
	ctx := context.Background()

	ok, err := g.Claim(ctx, "exec:1", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, g.Held("exec:1"))

	clock.Advance(9 * time.Minute)
	ok, _ = g.Claim(ctx, "exec:1", 10*time.Minute)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	assert.False(t, g.Held("exec:1"))
	ok, _ = g.Claim(ctx, "exec:1", 10*time.Minute)
	assert.True(t, ok)
}

func TestBadgerGuard(t *testing.T) {
	g, err := OpenBadgerGuard("", nil)
	require.NoError(t, err)
	defer g.Close()

	testGuardContract(t, g)
}

func TestBadgerGuard_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	g, err := OpenBadgerGuard(dir, nil)
	require.NoError(t, err)
	ok, err := g.Claim(ctx, "swap:c1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, g.Close())

	g, err = OpenBadgerGuard(dir, nil)
	require.NoError(t, err)
	defer g.Close()

	ok, err = g.Claim(ctx, "swap:c1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerGuard_Expiry(t *testing.T) {
	g, err := OpenBadgerGuard("", nil)
	require.NoError(t, err)
	defer g.Close()
	ctx := context.Background()

	// Badger TTLs have one-second resolution.
	ok, err := g.Claim(ctx, "short", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := g.Claim(ctx, "short", time.Minute)
		return err == nil && ok
	}, 5*time.Second, 100*time.Millisecond)
}
