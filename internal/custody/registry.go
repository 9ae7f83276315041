// Package custody manages the per-token custodial keypairs that hold
// collected fees until they are burned, swapped and paid out.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger    *slog.Logger
	Store     storage.CustodialKeyStore
	Sealer    *Sealer
	Clock     clockwork.Clock
	CacheSize int
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Sealer == nil {
		return errors.New("sealer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	return nil
}

// Registry finds or lazily creates the custodial key of a token.
// Keys are immutable once stored, so cached entries never go stale.
type Registry struct {
	log   *slog.Logger
	cfg   RegistryConfig
	cache *lru.Cache[string, *domain.CustodialKey]
	group singleflight.Group
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	cache, err := lru.New[string, *domain.CustodialKey](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &Registry{
		log:   cfg.Logger.With("component", "custody"),
		cfg:   cfg,
		cache: cache,
	}, nil
}

// Find returns the stored key of a token, or storage.ErrNotFound.
func (r *Registry) Find(ctx context.Context, tokenID string) (*domain.CustodialKey, error) {
	if k, ok := r.cache.Get(tokenID); ok {
		return k, nil
	}
	sealed, err := r.cfg.Store.GetByTokenID(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("get custodial key %s: %w", tokenID, err)
	}
	return r.unseal(sealed)
}

// FindOrCreate returns the key of a token, generating and storing one on
// first use. Concurrent callers for the same token share one attempt; racing
// workers converge on whichever key the store kept.
func (r *Registry) FindOrCreate(ctx context.Context, tokenID string) (*domain.CustodialKey, error) {
	if k, ok := r.cache.Get(tokenID); ok {
		return k, nil
	}

	v, err, _ := r.group.Do(tokenID, func() (any, error) {
		k, err := r.Find(ctx, tokenID)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return r.create(ctx, tokenID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.CustodialKey), nil
}

func (r *Registry) create(ctx context.Context, tokenID string) (*domain.CustodialKey, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate custodial key: %w", err)
	}
	sealedBytes, err := r.cfg.Sealer.Seal(priv)
	if err != nil {
		return nil, fmt.Errorf("seal custodial key: %w", err)
	}

	stored, err := r.cfg.Store.InsertIfAbsent(ctx, &storage.SealedKey{
		TokenID:   tokenID,
		PublicKey: priv.PublicKey().String(),
		SealedKey: sealedBytes,
		CreatedAt: r.cfg.Clock.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("store custodial key %s: %w", tokenID, err)
	}

	k, err := r.unseal(stored)
	if err != nil {
		return nil, err
	}
	if k.PublicKey == priv.PublicKey().String() {
		r.log.Info("custody: created custodial key", "token_id", tokenID, "public_key", k.PublicKey)
	}
	return k, nil
}

func (r *Registry) unseal(s *storage.SealedKey) (*domain.CustodialKey, error) {
	plain, err := r.cfg.Sealer.Open(s.SealedKey)
	if err != nil {
		return nil, fmt.Errorf("unseal custodial key %s: %w", s.TokenID, err)
	}
	priv := solana.PrivateKey(plain)
	if priv.PublicKey().String() != s.PublicKey {
		return nil, fmt.Errorf("custodial key %s: public key mismatch", s.TokenID)
	}

	k := &domain.CustodialKey{
		TokenID:    s.TokenID,
		PublicKey:  s.PublicKey,
		PrivateKey: priv,
		CreatedAt:  s.CreatedAt,
	}
	r.cache.Add(s.TokenID, k)
	return k, nil
}
