package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const claimPrefix = "claim:"

// BadgerGuard stores claims as TTL entries in an embedded Badger database.
// Suitable for single-node deployments.
type BadgerGuard struct {
	db *badger.DB
}

// OpenBadgerGuard opens (or creates) a Badger database at path.
// An empty path opens an in-memory database.
func OpenBadgerGuard(path string, log *slog.Logger) (*BadgerGuard, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	if log != nil {
		log.Info("idempotency: badger guard opened", "path", path)
	}
	return &BadgerGuard{db: db}, nil
}

// Compile-time interface check.
var _ Guard = (*BadgerGuard)(nil)

func (g *BadgerGuard) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	key := []byte(claimPrefix + id)

	// Concurrent claims of the same key conflict on commit; the retry then
	// observes the winner's entry.
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		claimed := false
		err := g.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			claimed = true
			return txn.SetEntry(badger.NewEntry(key, []byte{1}).WithTTL(ttl))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", id, err)
		}
		return claimed, nil
	}
}

func (g *BadgerGuard) Release(_ context.Context, id string) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(claimPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (g *BadgerGuard) Close() error {
	return g.db.Close()
}
