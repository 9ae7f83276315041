package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"solana-fee-pipeline/internal/distribution"
	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idhash"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/retry"
)

// JackpotUpdater adds the jackpot portion of a payout to the token's pot and
// queues one draw.
type JackpotUpdater struct {
	*core
}

// Handle consumes update-jackpot-after-swap.
func (u *JackpotUpdater) Handle(ctx context.Context, msg *queue.Message) error {
	var m UpdateJackpotMsg
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if m.TokenID == "" || m.CorrelationID == "" {
		return queue.Permanent(errors.New("update-jackpot-after-swap: token id and correlation id are required"))
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return nil
	}

	ok, err := u.claim(ctx, claimJackpotUpdate, m.CorrelationID)
	if err != nil || !ok {
		return err
	}

	if err := u.cfg.Tokens.AddJackpot(ctx, m.TokenID, m.Amount); err != nil {
		u.release(ctx, claimJackpotUpdate, m.CorrelationID)
		return fmt.Errorf("add jackpot: %w", err)
	}

	u.log.Info("jackpot updated", "stage", "jackpot_updater", "token_id", m.TokenID, "correlation_id", m.CorrelationID, "amount", m.Amount.String())
	return nil
}

// errRunNotReady means the open run has nothing to draw yet; its claim is
// released so the next sweep retries it.
var errRunNotReady = errors.New("jackpot run not ready")

// JackpotSelector draws balance-weighted winners and emits one payout plan
// per draw.
//
// Runs are numbered by the token's jackpot_runs counter and settle exactly
// once. The selector settles the open run before publishing its plans; a
// delivery that finds its run already settled republishes the settled draws
// under the same plan ids, and the Executor skips plans it already paid.
type JackpotSelector struct {
	*core
}

// Handle consumes prepare-jackpot-distribution.
func (s *JackpotSelector) Handle(ctx context.Context, msg *queue.Message) error {
	var m PrepareJackpotMsg
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if m.TokenID == "" {
		return queue.Permanent(errors.New("prepare-jackpot-distribution: token id is required"))
	}
	if m.Draws <= 0 || m.Amount == nil || m.Amount.Sign() <= 0 {
		return nil
	}
	runID := idhash.ComputeJackpotRunID(m.TokenID, m.Runs)
	log := s.log.With("stage", "jackpot_selector", "token_id", m.TokenID, "run", m.Runs, "correlation_id", runID)

	ok, err := s.claim(ctx, claimJackpot, runID)
	if err != nil || !ok {
		return err
	}

	err = s.run(ctx, log, m.TokenID, m.Runs, runID)
	if err == nil {
		return nil
	}
	s.release(ctx, claimJackpot, runID)
	if errors.Is(err, errRunNotReady) {
		return nil
	}
	return err
}

// run settles or republishes jackpot run number run. The claim on runID is
// released by the caller when run fails.
func (s *JackpotSelector) run(ctx context.Context, log *slog.Logger, tokenID string, run int64, runID string) error {
	token, err := s.loadToken(ctx, tokenID)
	if err != nil {
		return err
	}

	var (
		draws   int64
		perDraw *big.Int
		settled bool
	)
	switch token.JackpotRuns {
	case run:
		if token.JackpotQueue <= 0 {
			log.Debug("no queued draws")
			return errRunNotReady
		}
		draws = token.JackpotQueue
		perDraw = new(big.Int).Quo(token.JackpotAmount, big.NewInt(draws))
		if perDraw.Sign() == 0 {
			log.Warn("jackpot pot too small for queued draws", "pot", token.JackpotAmount.String(), "draws", draws)
			return errRunNotReady
		}
	case run + 1:
		if token.LastJackpotDraws <= 0 || token.LastJackpotAmount == nil || token.LastJackpotAmount.Sign() <= 0 {
			return nil
		}
		draws, perDraw, settled = token.LastJackpotDraws, token.LastJackpotAmount, true
	default:
		log.Debug("stale jackpot run", "current_run", token.JackpotRuns)
		return nil
	}

	custody, err := s.custody(ctx, token.ID)
	if err != nil {
		return err
	}
	sampler, err := s.sampler(ctx, token, custody)
	if errors.Is(err, distribution.ErrEmptyPopulation) && !settled {
		log.Info("no eligible holders for jackpot")
		return errRunNotReady
	}
	if err != nil {
		return err
	}

	if !settled {
		var ok bool
		err := retry.Do(ctx, s.cfg.StoreRetry, func() error {
			var err error
			ok, err = s.cfg.Tokens.SettleJackpotRun(ctx, token.ID, run, draws, perDraw)
			return err
		})
		if err != nil {
			return fmt.Errorf("settle jackpot run %d: %w", run, err)
		}
		if !ok {
			// The run moved on between the read and the settlement; the
			// redelivery re-reads it.
			return fmt.Errorf("settle jackpot run %d: run changed", run)
		}
	}

	msgs, err := s.plans(token, custody, sampler, runID, draws, perDraw)
	if err == nil {
		err = s.publish(ctx, msgs...)
	}
	if err != nil {
		if !settled {
			log.Error("jackpot run settled but not published", "draws", draws, "amount", perDraw.String(), "error", err)
		}
		return err
	}

	paid := new(big.Int).Mul(perDraw, big.NewInt(draws))
	log.Info("jackpot drawn", "draws", draws, "amount", perDraw.String(), "paid", paid.String(), "republished", settled)
	return nil
}

// sampler builds the winner sampler over the current holders plus the
// creator's locked allocation.
func (s *JackpotSelector) sampler(ctx context.Context, token *domain.Token, custody *domain.CustodialKey) (*distribution.Sampler, error) {
	holders, _, err := s.snapshot(ctx, token, custody)
	if err != nil {
		return nil, err
	}
	if token.CreatorAddress != "" && token.CreatorLockedAmount != nil && token.CreatorLockedAmount.Sign() > 0 {
		holders = distribution.MergeHolders(append(holders, domain.Holder{
			Address: token.CreatorAddress,
			Balance: token.CreatorLockedAmount,
		}))
	}
	return distribution.NewSampler(holders, s.cfg.Rand)
}

// plans draws one winner per draw and builds its execute message.
func (s *JackpotSelector) plans(token *domain.Token, custody *domain.CustodialKey, sampler *distribution.Sampler, runID string, draws int64, perDraw *big.Int) ([]queue.Message, error) {
	msgs := make([]queue.Message, 0, draws)
	for i := 0; i < int(draws); i++ {
		winner, err := sampler.Draw()
		if err != nil {
			return nil, err
		}
		plan := &domain.TransferPlan{
			PlanID:  idhash.ComputePlanID(runID, domain.RecordKindJackpot, i),
			TokenID: token.ID,
			Kind:    domain.RecordKindJackpot,
			Transfers: []domain.Transfer{{
				TokenID: token.ID,
				From:    custody.PublicKey,
				To:      winner,
				Amount:  new(big.Int).Set(perDraw),
				Kind:    domain.RecordKindJackpot,
			}},
		}
		raw, err := s.cfg.Ledger.BuildTemplate(plan)
		if err != nil {
			return nil, fmt.Errorf("build template %s: %w", plan.PlanID, err)
		}
		plan.RawTemplate = raw

		msg, err := queue.NewMessage(TopicExecuteDistribution, planMessage(plan), runID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
