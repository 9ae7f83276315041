// Package scheduler periodically turns stored token state into pipeline
// work: collect-fee for every active token, and prepare messages for tokens
// with a pending distribution or queued jackpot draws.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idhash"
	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/pipeline"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/storage"
)

// Sweep names.
const (
	SweepCollect      = "collect"
	SweepDistribution = "distribution"
)

// Config wires the scheduler.
type Config struct {
	Logger    *slog.Logger
	Tokens    storage.TokenStore
	Publisher queue.Publisher
	Clock     clockwork.Clock

	CollectInterval      time.Duration
	DistributionInterval time.Duration
	MinPending           *big.Int // smallest pending distribution worth preparing
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tokens == nil {
		return errors.New("token store is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 5 * time.Minute
	}
	if cfg.DistributionInterval <= 0 {
		cfg.DistributionInterval = time.Minute
	}
	if cfg.MinPending == nil || cfg.MinPending.Sign() <= 0 {
		cfg.MinPending = big.NewInt(1)
	}
	return nil
}

// Scheduler runs the collect and distribution sweeps on their own tickers.
type Scheduler struct {
	cfg Config
	log *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger.With("component", "scheduler")}, nil
}

// SweepResult summarizes one sweep. Per-token failures are collected in
// Errors and do not stop the sweep.
type SweepResult struct {
	Tokens  int
	Emitted int
	Errors  []string
}

// Run sweeps once immediately, then on every tick, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	collect := s.cfg.Clock.NewTicker(s.cfg.CollectInterval)
	defer collect.Stop()
	distribute := s.cfg.Clock.NewTicker(s.cfg.DistributionInterval)
	defer distribute.Stop()

	s.log.Info("scheduler started",
		"collect_interval", s.cfg.CollectInterval,
		"distribution_interval", s.cfg.DistributionInterval,
	)

	s.run(ctx, SweepCollect, s.SweepCollect)
	s.run(ctx, SweepDistribution, s.SweepDistribution)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-collect.Chan():
			s.run(ctx, SweepCollect, s.SweepCollect)
		case <-distribute.Chan():
			s.run(ctx, SweepDistribution, s.SweepDistribution)
		}
	}
}

// run executes one sweep, turning a panic into a failed sweep.
func (s *Scheduler) run(ctx context.Context, name string, sweep func(context.Context) (*SweepResult, error)) {
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			s.log.Error("sweep panicked", "sweep", name, "panic", r)
		}
		observability.RecordSweep(name, status, float64(s.cfg.Clock.Now().Unix()))
	}()

	res, err := sweep(ctx)
	switch {
	case err != nil:
		status = "error"
		s.log.Error("sweep failed", "sweep", name, "error", err)
	case len(res.Errors) > 0:
		status = "partial"
		s.log.Warn("sweep finished with errors", "sweep", name, "tokens", res.Tokens, "emitted", res.Emitted, "errors", res.Errors)
	default:
		s.log.Debug("sweep finished", "sweep", name, "tokens", res.Tokens, "emitted", res.Emitted)
	}
}

// SweepCollect emits collect-fee for every bonding and graduated token.
func (s *Scheduler) SweepCollect(ctx context.Context) (*SweepResult, error) {
	var tokens []*domain.Token
	for _, status := range []string{domain.TokenStatusBonding, domain.TokenStatusGraduated} {
		ts, err := s.cfg.Tokens.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s tokens: %w", status, err)
		}
		tokens = append(tokens, ts...)
	}

	res := &SweepResult{Tokens: len(tokens)}
	for _, t := range tokens {
		s.emit(ctx, res, t, pipeline.TopicCollectFee, pipeline.CollectFeeMsg{
			TokenID: t.ID,
			Mint:    t.Mint,
			Venue:   t.Venue(),
		}, "")
	}
	return res, nil
}

// SweepDistribution emits a prepare message for every token with a pending
// distribution and a jackpot run for every token with queued draws.
//
// Pending amounts below MinPending are left to accumulate. Prepare messages
// get a fresh correlation id; the Preparer takes the whole pending amount, so
// a duplicate finds nothing. Jackpot runs derive their id from the token and
// its run counter, so every sweep of an unsettled run maps onto the same run.
func (s *Scheduler) SweepDistribution(ctx context.Context) (*SweepResult, error) {
	pending, err := s.cfg.Tokens.ListWithPendingDistribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending distributions: %w", err)
	}
	queued, err := s.cfg.Tokens.ListWithJackpotQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jackpot queues: %w", err)
	}

	res := &SweepResult{Tokens: len(pending) + len(queued)}
	for _, t := range pending {
		if t.DistributionPending.Cmp(s.cfg.MinPending) < 0 {
			s.log.Debug("pending distribution below minimum", "token_id", t.ID, "pending", t.DistributionPending.String())
			continue
		}
		corr := uuid.NewString()
		s.emit(ctx, res, t, pipeline.TopicPrepareDistribution, pipeline.PrepareDistributionMsg{
			TokenID:       t.ID,
			Mint:          t.Mint,
			Amount:        t.DistributionPending,
			CorrelationID: corr,
		}, corr)
	}

	for _, t := range queued {
		perDraw := new(big.Int).Quo(t.JackpotAmount, big.NewInt(t.JackpotQueue))
		if perDraw.Sign() == 0 {
			s.log.Warn("jackpot pot too small for queued draws", "token_id", t.ID, "pot", t.JackpotAmount.String(), "draws", t.JackpotQueue)
			continue
		}
		corr := idhash.ComputeJackpotRunID(t.ID, t.JackpotRuns)
		s.emit(ctx, res, t, pipeline.TopicPrepareJackpot, pipeline.PrepareJackpotMsg{
			TokenID:       t.ID,
			Mint:          t.Mint,
			Runs:          t.JackpotRuns,
			Amount:        perDraw,
			Draws:         t.JackpotQueue,
			CorrelationID: corr,
		}, corr)
	}
	return res, nil
}

func (s *Scheduler) emit(ctx context.Context, res *SweepResult, t *domain.Token, topic string, payload any, corr string) {
	msg, err := queue.NewMessage(topic, payload, corr)
	if err == nil {
		err = s.cfg.Publisher.Publish(ctx, msg)
	}
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", topic, t.ID, err))
		return
	}
	res.Emitted++
	observability.RecordEmitted(topic, 1)
}
