package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"solana-fee-pipeline/internal/distribution"
	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idhash"
	"solana-fee-pipeline/internal/ledger"
	"solana-fee-pipeline/internal/queue"
)

// Collector withdraws withheld transfer fees into custody and hands the
// custodial balance to the TaxSplitter.
type Collector struct {
	*core
	splitter *TaxSplitter
}

// Handle consumes collect-fee.
func (c *Collector) Handle(ctx context.Context, msg *queue.Message) error {
	var p CollectFeeMsg
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.TokenID == "" {
		return queue.Permanent(errors.New("collect-fee: token id is required"))
	}
	log := c.log.With("stage", "collector", "token_id", p.TokenID)

	ok, err := c.claim(ctx, claimCycleBurn, p.TokenID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("previous cycle still in flight")
		return nil
	}
	ok, err = c.claim(ctx, claimCycleSwap, p.TokenID)
	if err != nil || !ok {
		c.release(ctx, claimCycleBurn, p.TokenID)
		if !ok && err == nil {
			log.Debug("previous cycle still in flight")
		}
		return err
	}

	handedOff, err := c.collect(ctx, log, p)
	if !handedOff {
		c.release(ctx, claimCycleBurn, p.TokenID)
		c.release(ctx, claimCycleSwap, p.TokenID)
	}
	return err
}

// collect runs one cycle. handedOff reports whether the burn and swap
// messages were published, which transfers the cycle claims to those stages.
func (c *Collector) collect(ctx context.Context, log *slog.Logger, p CollectFeeMsg) (handedOff bool, err error) {
	token, err := c.loadToken(ctx, p.TokenID)
	if err != nil {
		return false, err
	}
	custody, err := c.cfg.Keys.FindOrCreate(ctx, token.ID)
	if err != nil {
		return false, fmt.Errorf("custodial key: %w", err)
	}

	accounts, err := c.cfg.Ledger.TokenAccounts(ctx, token.Mint)
	if err != nil {
		return false, fmt.Errorf("list token accounts: %w", err)
	}
	var sources []ledger.TokenAccount
	for _, a := range accounts {
		if a.Withheld != nil && a.Withheld.Sign() > 0 {
			sources = append(sources, a)
		}
	}

	correlationID := uuid.NewString()
	log = log.With("correlation_id", correlationID)

	for i, batch := range distribution.Chunk(sources, c.cfg.WithdrawBatchSize) {
		addrs := make([]string, len(batch))
		sum := new(big.Int)
		for j, a := range batch {
			addrs[j] = a.Address
			sum.Add(sum, a.Withheld)
		}

		sig, err := c.cfg.Ledger.WithdrawWithheld(ctx, custody, token.Mint, addrs)
		if err != nil {
			return false, fmt.Errorf("withdraw batch %d: %w", i, err)
		}

		planID := idhash.ComputePlanID(correlationID, domain.RecordKindCollectFee, i)
		rec := c.newRecord(planID, 0, domain.Transfer{
			TokenID: token.ID,
			From:    batch[0].Address,
			To:      custody.PublicKey,
			Amount:  sum,
			Kind:    domain.RecordKindCollectFee,
		}, sig)
		if err := c.writeRecords(ctx, []*domain.DistributionRecord{rec}); err != nil {
			log.Error("withdrawal not recorded", "signature", sig, "amount", sum.String(), "error", err)
		}
		log.Info("withdrew withheld fees", "batch", i, "accounts", len(batch), "amount", sum.String(), "signature", sig)
	}

	total, err := c.cfg.Ledger.TokenBalance(ctx, custody.PublicKey, token.Mint)
	if err != nil {
		return false, fmt.Errorf("custodial token balance: %w", err)
	}
	if total.Cmp(c.cfg.MinCollectAmount) < 0 {
		log.Info("nothing to distribute", "total", total.String(), "min", c.cfg.MinCollectAmount.String())
		return false, nil
	}

	venue := p.Venue
	if venue == "" {
		venue = token.Venue()
	}
	if err := c.splitter.Split(ctx, token, total, venue, correlationID); err != nil {
		return false, err
	}
	return true, nil
}

// TaxSplitter divides a collected total into the burn and swap portions and
// publishes one message for each.
type TaxSplitter struct {
	*core
}

// Split publishes burn-fee (when non-zero) and swap-fee-to-sol in one batch.
// With nothing to burn it releases the cycle burn claim itself.
func (s *TaxSplitter) Split(ctx context.Context, token *domain.Token, total *big.Int, venue, correlationID string) error {
	split, err := distribution.SplitTax(total, distribution.RatesOf(token))
	if err != nil {
		return queue.Permanent(fmt.Errorf("token %s: %w", token.ID, err))
	}

	var msgs []queue.Message
	if split.Burn.Sign() > 0 {
		m, err := queue.NewMessage(TopicBurnFee, BurnFeeMsg{
			TokenID:       token.ID,
			Mint:          token.Mint,
			Amount:        split.Burn,
			CorrelationID: correlationID,
		}, correlationID)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	m, err := queue.NewMessage(TopicSwapFeeToSOL, SwapFeeMsg{
		TokenID:       token.ID,
		Mint:          token.Mint,
		Amount:        split.Swap,
		Venue:         venue,
		CorrelationID: correlationID,
	}, correlationID)
	if err != nil {
		return err
	}
	msgs = append(msgs, m)

	if err := s.publish(ctx, msgs...); err != nil {
		return err
	}
	if split.Burn.Sign() == 0 {
		s.release(ctx, claimCycleBurn, token.ID)
	}

	s.log.Info("split collected fees",
		"token_id", token.ID,
		"correlation_id", correlationID,
		"total", total.String(),
		"burn", split.Burn.String(),
		"swap", split.Swap.String(),
		"dust", split.Dust.String(),
	)
	return nil
}
