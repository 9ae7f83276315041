package pipeline

import (
	"context"
	"errors"
	"fmt"

	"solana-fee-pipeline/internal/queue"
)

// Bootstrap funds payout destinations that have no account yet.
type Bootstrap struct {
	*core
}

// Handle consumes send-fee-sol.
func (b *Bootstrap) Handle(ctx context.Context, msg *queue.Message) error {
	var m SendFeeSOLMsg
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if m.Destination == "" {
		return queue.Permanent(errors.New("send-fee-sol: destination is required"))
	}

	ok, err := b.claim(ctx, claimBootstrap, m.Destination)
	if err != nil || !ok {
		return err
	}

	exists, err := b.cfg.Ledger.AccountsExist(ctx, []string{m.Destination})
	if err != nil {
		b.release(ctx, claimBootstrap, m.Destination)
		return fmt.Errorf("check destination: %w", err)
	}
	if exists[m.Destination] {
		return nil
	}

	sig, err := b.cfg.Ledger.SendNative(ctx, m.Destination, b.cfg.RentExemptLamports)
	if err != nil {
		b.release(ctx, claimBootstrap, m.Destination)
		return fmt.Errorf("fund %s: %w", m.Destination, err)
	}

	b.log.Info("funded payout destination", "stage", "bootstrap", "destination", m.Destination, "lamports", b.cfg.RentExemptLamports, "signature", sig)
	return nil
}
