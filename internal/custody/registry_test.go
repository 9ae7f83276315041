package custody

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-fee-pipeline/internal/logger"
	"solana-fee-pipeline/internal/storage"
	"solana-fee-pipeline/internal/storage/memory"
)

func newSealer(t *testing.T) *Sealer {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	s, err := NewSealer(&key)
	require.NoError(t, err)
	return s
}

func newRegistry(t *testing.T, store storage.CustodialKeyStore) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{
		Logger: logger.NewTest(t),
		Store:  store,
		Sealer: newSealer(t),
	})
	require.NoError(t, err)
	return r
}

func TestSealer(t *testing.T) {
	s := newSealer(t)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = newSealer(t).Open(sealed)
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = s.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestRegistry_FindOrCreate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCustodialKeyStore()
	r := newRegistry(t, store)

	_, err := r.Find(ctx, "tok1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	k1, err := r.FindOrCreate(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", k1.TokenID)
	assert.Equal(t, k1.PrivateKey.PublicKey().String(), k1.PublicKey)

	k2, err := r.FindOrCreate(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey, k2.PublicKey)

	found, err := r.Find(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey, found.PublicKey)

	sealed, err := store.GetByTokenID(ctx, "tok1")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.SealedKey), string(k1.PrivateKey))
}

func TestRegistry_ConcurrentCreateConverges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCustodialKeyStore()
	sealer := newSealer(t)

	// Separate registries model separate worker processes sharing a store.
	var registries []*Registry
	for i := 0; i < 4; i++ {
		r, err := NewRegistry(RegistryConfig{Logger: logger.NewTest(t), Store: store, Sealer: sealer})
		require.NoError(t, err)
		registries = append(registries, r)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		keys = map[string]struct{}{}
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(r *Registry) {
			defer wg.Done()
			k, err := r.FindOrCreate(ctx, "tok-race")
			assert.NoError(t, err)
			if err == nil {
				mu.Lock()
				keys[k.PublicKey] = struct{}{}
				mu.Unlock()
			}
		}(registries[i%len(registries)])
	}
	wg.Wait()

	assert.Len(t, keys, 1)
}

func TestRegistry_ConfigValidation(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Logger: logger.NewTest(t)})
	assert.ErrorContains(t, err, "store is required")
}
