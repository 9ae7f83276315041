// Package idempotency provides time-boxed claims used to deduplicate
// redelivered messages. A present claim means the work is in flight or
// recently completed; only its absence is a signal to proceed.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Guard claims ids for a bounded time.
type Guard interface {
	// Claim marks id as taken for ttl. It reports false when an unexpired
	// claim already exists.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Release drops the claim so a retry can proceed.
	Release(ctx context.Context, id string) error
}

// MemoryGuard is an in-process Guard.
type MemoryGuard struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	claims map[string]time.Time
}

// NewMemoryGuard creates a MemoryGuard. A nil clock uses the real clock.
func NewMemoryGuard(clock clockwork.Clock) *MemoryGuard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryGuard{
		clock:  clock,
		claims: make(map[string]time.Time),
	}
}

// Compile-time interface check.
var _ Guard = (*MemoryGuard)(nil)

func (g *MemoryGuard) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if exp, ok := g.claims[id]; ok && now.Before(exp) {
		return false, nil
	}
	g.claims[id] = now.Add(ttl)

	// Opportunistic cleanup keeps the map bounded by live claims.
	if len(g.claims) > 1024 {
		for k, exp := range g.claims {
			if !now.Before(exp) {
				delete(g.claims, k)
			}
		}
	}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, id)
	return nil
}

// Held reports whether id has an unexpired claim.
func (g *MemoryGuard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.claims[id]
	return ok && g.clock.Now().Before(exp)
}
