package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
)

func newTestToken(id string) *domain.Token {
	return &domain.Token{
		ID:             id,
		Mint:           "mint-" + id,
		RewardTaxRate:  60,
		JackpotTaxRate: 30,
		BurnTaxRate:    10,
		TotalSupply:    big.NewInt(1_000_000),
		Status:         domain.TokenStatusBonding,
	}
}

func TestTokenStore_UpsertAndGet(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	if err := store.Upsert(ctx, newTestToken("tok1")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "tok1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.TotalSupply.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("TotalSupply mismatch: got %s", got.TotalSupply)
	}
	if got.DistributionPending.Sign() != 0 {
		t.Errorf("expected zero pending, got %s", got.DistributionPending)
	}

	_, err = store.GetByID(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTokenStore_UpsertPreservesCounters(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	if err := store.Upsert(ctx, newTestToken("tok1")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.AddDistributionPending(ctx, "tok1", big.NewInt(500)); err != nil {
		t.Fatalf("AddDistributionPending failed: %v", err)
	}

	updated := newTestToken("tok1")
	updated.Status = domain.TokenStatusGraduated
	if err := store.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, _ := store.GetByID(ctx, "tok1")
	if got.Status != domain.TokenStatusGraduated {
		t.Errorf("Status not updated: %s", got.Status)
	}
	if got.DistributionPending.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("pending lost on upsert: %s", got.DistributionPending)
	}
}

func TestTokenStore_TakeDistributionPending(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()
	store.Upsert(ctx, newTestToken("tok1"))

	store.AddDistributionPending(ctx, "tok1", big.NewInt(300))
	store.AddDistributionPending(ctx, "tok1", big.NewInt(200))

	pending, _ := store.ListWithPendingDistribution(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending token, got %d", len(pending))
	}

	taken, err := store.TakeDistributionPending(ctx, "tok1")
	if err != nil {
		t.Fatalf("TakeDistributionPending failed: %v", err)
	}
	if taken.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("taken = %s, want 500", taken)
	}

	again, _ := store.TakeDistributionPending(ctx, "tok1")
	if again.Sign() != 0 {
		t.Errorf("second take = %s, want 0", again)
	}

	pending, _ = store.ListWithPendingDistribution(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending tokens, got %d", len(pending))
	}
}

func TestTokenStore_Jackpot(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()
	store.Upsert(ctx, newTestToken("tok1"))

	store.AddJackpot(ctx, "tok1", big.NewInt(100))
	store.AddJackpot(ctx, "tok1", big.NewInt(50))

	queued, _ := store.ListWithJackpotQueue(ctx)
	if len(queued) != 1 || queued[0].JackpotQueue != 2 {
		t.Fatalf("expected one token with queue 2, got %+v", queued)
	}
	if queued[0].JackpotAmount.Cmp(big.NewInt(150)) != 0 {
		t.Errorf("pot = %s, want 150", queued[0].JackpotAmount)
	}

	ok, err := store.SettleJackpotRun(ctx, "tok1", 0, 2, big.NewInt(70))
	if err != nil || !ok {
		t.Fatalf("SettleJackpotRun = %v, %v; want settled", ok, err)
	}

	got, _ := store.GetByID(ctx, "tok1")
	if got.JackpotQueue != 0 || got.JackpotAmount.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("expected queue=0 pot=10, got queue=%d pot=%s", got.JackpotQueue, got.JackpotAmount)
	}
	if got.JackpotRuns != 1 || got.LastJackpotDraws != 2 || got.LastJackpotAmount.Cmp(big.NewInt(70)) != 0 {
		t.Errorf("expected run 1 after 2 draws of 70, got runs=%d last=%d x %s", got.JackpotRuns, got.LastJackpotDraws, got.LastJackpotAmount)
	}

	// The same run settles once.
	store.AddJackpot(ctx, "tok1", big.NewInt(200))
	store.AddJackpot(ctx, "tok1", big.NewInt(200))
	if ok, _ := store.SettleJackpotRun(ctx, "tok1", 0, 2, big.NewInt(70)); ok {
		t.Errorf("settled run 0 twice")
	}
}

func TestTokenStore_SettleJackpotRunRequiresCover(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()
	store.Upsert(ctx, newTestToken("tok1"))
	store.AddJackpot(ctx, "tok1", big.NewInt(100))

	if ok, _ := store.SettleJackpotRun(ctx, "tok1", 0, 2, big.NewInt(10)); ok {
		t.Errorf("settled more draws than queued")
	}
	if ok, _ := store.SettleJackpotRun(ctx, "tok1", 0, 1, big.NewInt(101)); ok {
		t.Errorf("settled more than the pot")
	}

	got, _ := store.GetByID(ctx, "tok1")
	if got.JackpotQueue != 1 || got.JackpotAmount.Cmp(big.NewInt(100)) != 0 || got.JackpotRuns != 0 {
		t.Errorf("refused settlement changed state: queue=%d pot=%s runs=%d", got.JackpotQueue, got.JackpotAmount, got.JackpotRuns)
	}

	if _, err := store.SettleJackpotRun(ctx, "missing", 0, 1, big.NewInt(1)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.SettleJackpotRun(ctx, "tok1", 0, 0, big.NewInt(1)); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTokenStore_ReturnsCopies(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()
	store.Upsert(ctx, newTestToken("tok1"))

	got, _ := store.GetByID(ctx, "tok1")
	got.TotalSupply.SetInt64(1)

	again, _ := store.GetByID(ctx, "tok1")
	if again.TotalSupply.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("store mutated through returned pointer: %s", again.TotalSupply)
	}
}

func TestTokenStore_ListByStatus(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	a := newTestToken("b")
	b := newTestToken("a")
	c := newTestToken("c")
	c.Status = domain.TokenStatusInactive
	store.Upsert(ctx, a)
	store.Upsert(ctx, b)
	store.Upsert(ctx, c)

	got, _ := store.ListByStatus(ctx, domain.TokenStatusBonding)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("unexpected list: %+v", got)
	}
}

func TestTokenStore_InvalidInput(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	if err := store.Upsert(ctx, &domain.Token{ID: "x"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if err := store.AddDistributionPending(ctx, "missing", big.NewInt(1)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.AddJackpot(ctx, "missing", big.NewInt(-1)); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
