package pipeline

import (
	"context"
	"errors"
	"fmt"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/idhash"
	"solana-fee-pipeline/internal/queue"
)

// Burner destroys the burn portion of a cycle.
type Burner struct {
	*core
}

// Handle consumes burn-fee.
func (b *Burner) Handle(ctx context.Context, msg *queue.Message) error {
	var p BurnFeeMsg
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.TokenID == "" || p.CorrelationID == "" || p.Amount == nil || p.Amount.Sign() <= 0 {
		return queue.Permanent(errors.New("burn-fee: token id, correlation id and a positive amount are required"))
	}
	log := b.log.With("stage", "burner", "token_id", p.TokenID, "correlation_id", p.CorrelationID)

	ok, err := b.claim(ctx, claimBurn, p.CorrelationID)
	if err != nil || !ok {
		return err
	}

	custody, sig, err := b.burn(ctx, p)
	if err != nil {
		b.release(ctx, claimBurn, p.CorrelationID)
		if queue.IsPermanent(err) {
			// The leftover tokens are swept into the next cycle.
			b.release(ctx, claimCycleBurn, p.TokenID)
			log.Error("burn abandoned", "amount", p.Amount.String(), "error", err)
		}
		return err
	}

	planID := idhash.ComputePlanID(p.CorrelationID, domain.RecordKindBurn, 0)
	rec := b.newRecord(planID, 0, domain.Transfer{
		TokenID: p.TokenID,
		From:    custody.PublicKey,
		To:      p.Mint,
		Amount:  p.Amount,
		Kind:    domain.RecordKindBurn,
	}, sig)
	if err := b.writeRecords(ctx, []*domain.DistributionRecord{rec}); err != nil {
		log.Error("burn not recorded", "signature", sig, "error", err)
	}

	b.release(ctx, claimCycleBurn, p.TokenID)
	log.Info("burned fees", "amount", p.Amount.String(), "signature", sig)
	return nil
}

func (b *Burner) burn(ctx context.Context, p BurnFeeMsg) (*domain.CustodialKey, string, error) {
	token, err := b.loadToken(ctx, p.TokenID)
	if err != nil {
		return nil, "", err
	}
	custody, err := b.custody(ctx, token.ID)
	if err != nil {
		return nil, "", err
	}

	balance, err := b.cfg.Ledger.TokenBalance(ctx, custody.PublicKey, token.Mint)
	if err != nil {
		return nil, "", fmt.Errorf("custodial token balance: %w", err)
	}
	if balance.Cmp(p.Amount) < 0 {
		return nil, "", queue.Permanent(fmt.Errorf("%w: burn %s, custody holds %s", ErrInsufficientCustody, p.Amount, balance))
	}

	sig, err := b.cfg.Ledger.Burn(ctx, custody, token.Mint, p.Amount)
	if err != nil {
		return nil, "", fmt.Errorf("burn: %w", err)
	}
	return custody, sig, nil
}
