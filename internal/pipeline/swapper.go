package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idhash"
	"solana-fee-pipeline/internal/ledger"
	"solana-fee-pipeline/internal/queue"
	"solana-fee-pipeline/internal/retry"
)

// Swapper converts the swap portion of a cycle into lamports and credits the
// realized output to the token's pending distribution.
type Swapper struct {
	*core
}

// Handle consumes swap-fee-to-sol.
func (s *Swapper) Handle(ctx context.Context, msg *queue.Message) error {
	var p SwapFeeMsg
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.TokenID == "" || p.CorrelationID == "" {
		return queue.Permanent(errors.New("swap-fee-to-sol: token id and correlation id are required"))
	}
	log := s.log.With("stage", "swapper", "token_id", p.TokenID, "correlation_id", p.CorrelationID)

	ok, err := s.claim(ctx, claimSwap, p.CorrelationID)
	if err != nil || !ok {
		return err
	}

	if p.Amount == nil || p.Amount.Sign() <= 0 {
		log.Info("nothing to swap")
		s.release(ctx, claimCycleSwap, p.TokenID)
		return nil
	}

	token, err := s.loadToken(ctx, p.TokenID)
	if err != nil {
		s.release(ctx, claimSwap, p.CorrelationID)
		if queue.IsPermanent(err) {
			s.release(ctx, claimCycleSwap, p.TokenID)
		}
		return err
	}
	custody, err := s.custody(ctx, token.ID)
	if err != nil {
		s.release(ctx, claimSwap, p.CorrelationID)
		if queue.IsPermanent(err) {
			s.release(ctx, claimCycleSwap, p.TokenID)
		}
		return err
	}

	venue := p.Venue
	if venue == "" {
		venue = token.Venue()
	}

	before, err := s.cfg.Ledger.Balance(ctx, custody.PublicKey)
	if err != nil {
		s.release(ctx, claimSwap, p.CorrelationID)
		return fmt.Errorf("balance before swap: %w", err)
	}

	sig, err := s.cfg.Ledger.Swap(ctx, ledger.SwapRequest{
		Token:   token,
		Custody: custody,
		Venue:   venue,
		Amount:  p.Amount,
	})
	if err != nil {
		s.release(ctx, claimSwap, p.CorrelationID)
		return fmt.Errorf("swap on %s: %w", venue, err)
	}

	// From here on the swap is final: the claim stays held and failures are
	// reported instead of retried.
	defer s.release(ctx, claimCycleSwap, p.TokenID)

	after, err := retry.DoValue(ctx, s.cfg.StoreRetry, func() (*big.Int, error) {
		return s.cfg.Ledger.Balance(ctx, custody.PublicKey)
	})
	if err != nil {
		log.Error("swap output unknown, lamports left in custody", "signature", sig, "error", err)
		return nil
	}

	delta := new(big.Int).Sub(after, before)
	if delta.Sign() <= 0 {
		log.Warn("swap realized no output", "signature", sig, "before", before.String(), "after", after.String())
		delta.SetInt64(0)
	}

	if delta.Sign() > 0 {
		err := retry.Do(ctx, s.cfg.StoreRetry, func() error {
			return s.cfg.Tokens.AddDistributionPending(ctx, token.ID, delta)
		})
		if err != nil {
			log.Error("swap output not credited", "signature", sig, "amount", delta.String(), "error", err)
			return nil
		}
	}

	planID := idhash.ComputePlanID(p.CorrelationID, domain.RecordKindSwapToBase, 0)
	rec := s.newRecord(planID, 0, domain.Transfer{
		TokenID: token.ID,
		From:    custody.PublicKey,
		To:      custody.PublicKey,
		Amount:  delta,
		Kind:    domain.RecordKindSwapToBase,
	}, sig)
	if err := s.writeRecords(ctx, []*domain.DistributionRecord{rec}); err != nil {
		log.Error("swap not recorded", "signature", sig, "error", err)
	}

	log.Info("swapped fees", "venue", venue, "amount_in", p.Amount.String(), "realized", delta.String(), "signature", sig)

	if delta.Sign() > 0 {
		// A lost prepare message is recovered by the scheduler sweep over
		// pending distributions.
		nextID := uuid.NewString()
		m, err := queue.NewMessage(TopicPrepareDistribution, PrepareDistributionMsg{
			TokenID:       token.ID,
			Mint:          token.Mint,
			Amount:        delta,
			CorrelationID: nextID,
		}, nextID)
		if err == nil {
			err = s.publish(ctx, m)
		}
		if err != nil {
			log.Warn("prepare message not published", "error", err)
		}
	}
	return nil
}
