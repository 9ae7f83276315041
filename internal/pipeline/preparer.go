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

var (
	errNoPayableHolders = errors.New("no payable holders")
	errBelowMinimum     = errors.New("below minimum distribution")
)

// Preparer turns a token's pending distribution into payout plans: an
// optional fee vault transfer plus holder batches, each an execute message.
// It signs nothing; the Executor binds plans to a live anchor.
type Preparer struct {
	*core
}

// Handle consumes prepare-reward-distribution.
func (p *Preparer) Handle(ctx context.Context, msg *queue.Message) error {
	var m PrepareDistributionMsg
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if m.TokenID == "" || m.CorrelationID == "" {
		return queue.Permanent(errors.New("prepare-reward-distribution: token id and correlation id are required"))
	}
	log := p.log.With("stage", "preparer", "token_id", m.TokenID, "correlation_id", m.CorrelationID)

	ok, err := p.claim(ctx, claimPrepare, m.CorrelationID)
	if err != nil || !ok {
		return err
	}

	token, err := p.loadToken(ctx, m.TokenID)
	if err != nil {
		p.release(ctx, claimPrepare, m.CorrelationID)
		return err
	}
	custody, err := p.custody(ctx, token.ID)
	if err != nil {
		p.release(ctx, claimPrepare, m.CorrelationID)
		return err
	}

	var pending *big.Int
	err = p.outbox.TakeAndPublish(ctx, token.ID, func(ctx context.Context, amount *big.Int) ([]queue.Message, error) {
		pending = amount
		if amount.Sign() == 0 {
			return nil, nil
		}
		if amount.Cmp(p.cfg.MinDistribution) < 0 {
			return nil, errBelowMinimum
		}
		return p.prepare(ctx, log, token, custody, amount, m.CorrelationID)
	})
	switch {
	case errors.Is(err, errNoPayableHolders), errors.Is(err, errBelowMinimum):
		// The amount stays pending and accumulates until it is payable.
		log.Debug("keeping amount pending", "amount", pending.String(), "reason", err.Error())
		p.release(ctx, claimPrepare, m.CorrelationID)
		return nil
	case err != nil:
		p.release(ctx, claimPrepare, m.CorrelationID)
		return err
	case pending == nil || pending.Sign() == 0:
		log.Debug("nothing pending")
	}
	return nil
}

// prepare builds the execute messages and the jackpot update for amount.
func (p *Preparer) prepare(ctx context.Context, log *slog.Logger, token *domain.Token, custody *domain.CustodialKey, amount *big.Int, correlationID string) ([]queue.Message, error) {
	rates := distribution.RatesOf(token)
	if rates.Swap() <= 0 {
		return nil, queue.Permanent(fmt.Errorf("token %s: %w: reward and jackpot ratios sum to zero", token.ID, distribution.ErrInvalidRates))
	}

	var plans []*domain.TransferPlan

	distributable := new(big.Int).Set(amount)
	if p.cfg.FeeVaultAddress != "" {
		vault := distribution.BasisPoints(amount, p.cfg.FeeVaultBps)
		if vault.Sign() > 0 {
			distributable.Sub(distributable, vault)
			plans = append(plans, &domain.TransferPlan{
				PlanID:  idhash.ComputePlanID(correlationID, domain.RecordKindSendToVault, 0),
				TokenID: token.ID,
				Kind:    domain.RecordKindSendToVault,
				Transfers: []domain.Transfer{{
					TokenID: token.ID,
					From:    custody.PublicKey,
					To:      p.cfg.FeeVaultAddress,
					Amount:  vault,
					Kind:    domain.RecordKindSendToVault,
				}},
			})
		}
	}

	eligible, excluded, err := p.snapshot(ctx, token, custody)
	if err != nil {
		return nil, err
	}
	supply := distribution.EligibleSupply(token.TotalSupply, excluded, eligible)

	payable, err := p.withAccounts(ctx, eligible)
	if err != nil {
		return nil, err
	}

	shares := distribution.ComputeShares(payable, distribution.ShareParams{
		Amount:     distributable,
		RewardRate: rates.Reward,
		SwapRate:   rates.Swap(),
		Supply:     supply,
	})

	if len(shares) == 0 {
		return nil, errNoPayableHolders
	}

	transfers := make([]domain.Transfer, len(shares))
	for i, s := range shares {
		transfers[i] = domain.Transfer{
			TokenID: token.ID,
			From:    custody.PublicKey,
			To:      s.Address,
			Amount:  s.Amount,
			Kind:    domain.RecordKindDistribute,
		}
	}
	for i, batch := range distribution.Chunk(transfers, p.cfg.BatchSize) {
		plans = append(plans, &domain.TransferPlan{
			PlanID:    idhash.ComputePlanID(correlationID, domain.RecordKindDistribute, i),
			TokenID:   token.ID,
			Kind:      domain.RecordKindDistribute,
			Transfers: batch,
		})
	}

	msgs := make([]queue.Message, 0, len(plans)+1)
	for _, plan := range plans {
		raw, err := p.cfg.Ledger.BuildTemplate(plan)
		if err != nil {
			return nil, fmt.Errorf("build template %s: %w", plan.PlanID, err)
		}
		plan.RawTemplate = raw

		m, err := queue.NewMessage(TopicExecuteDistribution, planMessage(plan), correlationID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	_, jackpot, err := distribution.SplitSwapOutput(distributable, rates)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	if jackpot.Sign() > 0 {
		m, err := queue.NewMessage(TopicUpdateJackpot, UpdateJackpotMsg{
			TokenID:       token.ID,
			Mint:          token.Mint,
			Amount:        jackpot,
			CorrelationID: correlationID,
		}, correlationID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	log.Info("prepared distribution",
		"amount", amount.String(),
		"distributable", distributable.String(),
		"holders", len(payable),
		"paid_holders", len(shares),
		"holder_total", distribution.SumShares(shares).String(),
		"jackpot", jackpot.String(),
		"plans", len(plans),
	)
	return msgs, nil
}

// withAccounts drops holders whose wallet has no on-ledger account.
func (p *Preparer) withAccounts(ctx context.Context, holders []domain.Holder) ([]domain.Holder, error) {
	if len(holders) == 0 {
		return nil, nil
	}
	addrs := make([]string, len(holders))
	for i, h := range holders {
		addrs[i] = h.Address
	}
	exists, err := p.cfg.Ledger.AccountsExist(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("check holder accounts: %w", err)
	}

	out := holders[:0:0]
	for _, h := range holders {
		if exists[h.Address] {
			out = append(out, h)
		}
	}
	return out, nil
}

// storeOutbox takes the pending amount first and puts it back when building
// or publishing fails. Nothing survives a crash between the take and the
// publish, so it only backs deployments whose queue dies with the process.
type storeOutbox struct {
	*core
}

func (o *storeOutbox) TakeAndPublish(ctx context.Context, tokenID string, build func(context.Context, *big.Int) ([]queue.Message, error)) error {
	amount, err := o.cfg.Tokens.TakeDistributionPending(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("take pending distribution: %w", err)
	}

	msgs, err := build(ctx, amount)
	if err == nil {
		err = o.publish(ctx, msgs...)
	}
	if err != nil && amount.Sign() > 0 {
		o.restore(ctx, tokenID, amount)
	}
	return err
}

// restore puts a taken amount back so a later run pays it.
func (o *storeOutbox) restore(ctx context.Context, tokenID string, amount *big.Int) {
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, o.cfg.StoreRetry, func() error {
		return o.cfg.Tokens.AddDistributionPending(ctx, tokenID, amount)
	})
	if err != nil {
		o.log.Error("failed to restore pending distribution", "token_id", tokenID, "amount", amount.String(), "error", err)
	}
}
