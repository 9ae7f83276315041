// Package pipeline implements the fee collection and reward distribution
// stages. Each stage is a queue consumer; stages hand work to each other
// only through topics, and guard every side effect with an idempotency claim
// so at-least-once delivery never pays twice.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"solana-fee-pipeline/internal/distribution"
	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idempotency"
	"solana-fee-pipeline/internal/idhash"
	"solana-fee-pipeline/internal/ledger"
	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/retry"
	"solana-fee-pipeline/internal/storage"
)

var (
	// ErrInsufficientCustody is returned when custody holds less than a burn needs.
	ErrInsufficientCustody = errors.New("insufficient custodial balance")

	// ErrDestinationNotReady is returned when payout destinations have no
	// account yet. The batch is redelivered after the accounts are funded.
	ErrDestinationNotReady = errors.New("destination account not ready")
)

// Claim prefixes.
const (
	claimCycleBurn     = "cycle:burn"
	claimCycleSwap     = "cycle:swap"
	claimBurn          = "burn"
	claimSwap          = "swap"
	claimPrepare       = "prepare"
	claimJackpotUpdate = "jackpot-update"
	claimJackpot       = "jackpot"
	claimExecute       = "execute"
	claimBootstrap     = "bootstrap"
)

// KeyRegistry resolves custodial keys.
type KeyRegistry interface {
	Find(ctx context.Context, tokenID string) (*domain.CustodialKey, error)
	FindOrCreate(ctx context.Context, tokenID string) (*domain.CustodialKey, error)
}

// Outbox hands a token's pending distribution to the queue. build turns the
// pending amount into messages; the amount is taken only if they are
// published, and an error from build leaves it pending.
type Outbox interface {
	TakeAndPublish(ctx context.Context, tokenID string, build func(context.Context, *big.Int) ([]queue.Message, error)) error
}

// Config wires the stages to their collaborators.
type Config struct {
	Logger    *slog.Logger
	Tokens    storage.TokenStore
	Records   storage.DistributionRecordStore
	Mirror    storage.DistributionRecordStore // optional analytics copy of records
	Keys      KeyRegistry
	Ledger    ledger.Client
	Guard     idempotency.Guard
	Publisher queue.Publisher
	Outbox    Outbox // nil takes from Tokens and publishes to Publisher
	Clock     clockwork.Clock
	Rand      io.Reader // jackpot draws; nil uses crypto/rand

	ClaimTTL           time.Duration
	WithdrawBatchSize  int
	MinCollectAmount   *big.Int
	BatchSize          int
	MinDistribution    *big.Int
	FeeVaultBps        int64
	FeeVaultAddress    string
	RentExemptLamports uint64
	StoreRetry         retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tokens == nil {
		return errors.New("token store is required")
	}
	if cfg.Records == nil {
		return errors.New("record store is required")
	}
	if cfg.Keys == nil {
		return errors.New("key registry is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Guard == nil {
		return errors.New("idempotency guard is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.FeeVaultBps < 0 || cfg.FeeVaultBps > 10000 {
		return fmt.Errorf("fee vault bps must be in [0, 10000], got %d", cfg.FeeVaultBps)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.WithdrawBatchSize <= 0 {
		cfg.WithdrawBatchSize = 20
	}
	if cfg.MinCollectAmount == nil {
		cfg.MinCollectAmount = big.NewInt(1)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MinDistribution == nil || cfg.MinDistribution.Sign() <= 0 {
		cfg.MinDistribution = big.NewInt(1)
	}
	if cfg.RentExemptLamports == 0 {
		cfg.RentExemptLamports = 890880
	}
	if cfg.StoreRetry.MaxAttempts == 0 {
		cfg.StoreRetry = retry.DefaultConfig()
	}
	return nil
}

// Pipeline holds one consumer per stage.
type Pipeline struct {
	Collector       *Collector
	Burner          *Burner
	Swapper         *Swapper
	Preparer        *Preparer
	JackpotUpdater  *JackpotUpdater
	JackpotSelector *JackpotSelector
	Executor        *Executor
	Bootstrap       *Bootstrap
}

// New builds every stage over a shared configuration.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	c := &core{cfg: cfg, log: cfg.Logger, outbox: cfg.Outbox}
	if c.outbox == nil {
		c.outbox = &storeOutbox{core: c}
	}

	return &Pipeline{
		Collector:       &Collector{core: c, splitter: &TaxSplitter{core: c}},
		Burner:          &Burner{core: c},
		Swapper:         &Swapper{core: c},
		Preparer:        &Preparer{core: c},
		JackpotUpdater:  &JackpotUpdater{core: c},
		JackpotSelector: &JackpotSelector{core: c},
		Executor:        &Executor{core: c},
		Bootstrap:       &Bootstrap{core: c},
	}, nil
}

// core is the state shared by all stages.
type core struct {
	cfg    Config
	log    *slog.Logger
	outbox Outbox
}

// claim takes the guard key prefix:key. A held key means another delivery
// owns or already finished the work.
func (c *core) claim(ctx context.Context, prefix, key string) (bool, error) {
	ok, err := c.cfg.Guard.Claim(ctx, prefix+":"+key, c.cfg.ClaimTTL)
	switch {
	case err != nil:
		observability.RecordClaim(prefix, "error")
		return false, fmt.Errorf("claim %s:%s: %w", prefix, key, err)
	case ok:
		observability.RecordClaim(prefix, "claimed")
	default:
		observability.RecordClaim(prefix, "held")
	}
	return ok, nil
}

// release frees a claim. Failures only delay the next attempt until the TTL
// expires, so they are logged and swallowed.
func (c *core) release(ctx context.Context, prefix, key string) {
	if err := c.cfg.Guard.Release(context.WithoutCancel(ctx), prefix+":"+key); err != nil {
		c.log.Warn("failed to release claim", "claim", prefix+":"+key, "error", err)
	}
}

// publish encodes and publishes payloads atomically.
func (c *core) publish(ctx context.Context, msgs ...queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := c.cfg.Publisher.PublishBatch(ctx, msgs); err != nil {
		return fmt.Errorf("publish %d messages: %w", len(msgs), err)
	}
	return nil
}

// loadToken reads a token; a missing row can never succeed on retry.
func (c *core) loadToken(ctx context.Context, tokenID string) (*domain.Token, error) {
	t, err := c.cfg.Tokens.GetByID(ctx, tokenID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("token %s: %w", tokenID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", tokenID, err)
	}
	return t, nil
}

// custody returns an existing custodial key.
func (c *core) custody(ctx context.Context, tokenID string) (*domain.CustodialKey, error) {
	k, err := c.cfg.Keys.Find(ctx, tokenID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// newRecord builds the audit record of transfer index of a plan.
func (c *core) newRecord(planID string, index int, tr domain.Transfer, signature string) *domain.DistributionRecord {
	return &domain.DistributionRecord{
		RecordID:  idhash.ComputeRecordID(planID, index),
		PlanID:    planID,
		TokenID:   tr.TokenID,
		From:      tr.From,
		To:        tr.To,
		Amount:    new(big.Int).Set(tr.Amount),
		Kind:      tr.Kind,
		Signature: signature,
		CreatedAt: c.cfg.Clock.Now().UnixMilli(),
	}
}

// writeRecords persists records after a submission. A duplicate means an
// earlier attempt already committed them.
func (c *core) writeRecords(ctx context.Context, records []*domain.DistributionRecord) error {
	err := retry.Do(ctx, c.cfg.StoreRetry, func() error {
		return c.cfg.Records.InsertBulk(ctx, records)
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		c.log.Info("records already written", "plan_id", records[0].PlanID)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("write %d records: %w", len(records), err)
	}

	if c.cfg.Mirror != nil {
		if err := c.cfg.Mirror.InsertBulk(ctx, records); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			c.log.Warn("failed to mirror records", "plan_id", records[0].PlanID, "error", err)
		}
	}
	return nil
}

// snapshot reads the current holders of a token and partitions them by the
// token's own addresses and its custody. Both halves are merged by owner.
func (c *core) snapshot(ctx context.Context, t *domain.Token, custody *domain.CustodialKey) (eligible, excluded []domain.Holder, err error) {
	accounts, err := c.cfg.Ledger.TokenAccounts(ctx, t.Mint)
	if err != nil {
		return nil, nil, fmt.Errorf("holder snapshot: %w", err)
	}

	excl := distribution.NewExclusionSet(t.ExcludedAddresses()...)
	excl.Add(custody.PublicKey)
	eligible, excluded = excl.Partition(accounts)
	return eligible, excluded, nil
}
