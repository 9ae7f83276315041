package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/ledger"
	"solana-fee-pipeline/internal/observability"
	"solana-fee-pipeline/internal/queue"
)

// Executor signs and submits prepared payout plans and records every
// transfer they carry.
type Executor struct {
	*core
}

// Handle consumes execute-distribution.
func (e *Executor) Handle(ctx context.Context, msg *queue.Message) error {
	var m ExecuteDistributionMsg
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if len(m.Transfers) == 0 {
		return nil
	}
	if m.PlanID == "" || m.TokenID == "" {
		return queue.Permanent(errors.New("execute-distribution: plan id and token id are required"))
	}
	log := e.log.With("stage", "executor", "token_id", m.TokenID, "plan_id", m.PlanID, "kind", m.Kind)

	done, err := e.cfg.Records.ExistsForPlan(ctx, m.PlanID)
	if err != nil {
		return fmt.Errorf("check plan records: %w", err)
	}
	if done {
		log.Debug("plan already executed")
		return nil
	}

	ok, err := e.claim(ctx, claimExecute, m.PlanID)
	if err != nil || !ok {
		return err
	}

	sig, err := e.submit(ctx, m)
	if err != nil {
		if sig == "" || errors.Is(err, ledger.ErrTransactionFailed) {
			e.release(ctx, claimExecute, m.PlanID)
			return err
		}
		// Sent but unconfirmed: it may still land, so the claim is kept and
		// the plan is parked for reconciliation.
		log.Error("payout outcome unknown", "signature", sig, "error", err)
		return queue.Permanent(err)
	}

	records := make([]*domain.DistributionRecord, len(m.Transfers))
	total := new(big.Int)
	for i, tr := range m.Transfers {
		records[i] = e.newRecord(m.PlanID, i, tr, sig)
		total.Add(total, tr.Amount)
	}
	if err := e.writeRecords(ctx, records); err != nil {
		log.Error("payout submitted but not recorded", "signature", sig, "error", err)
		return queue.Permanent(err)
	}

	lamports, _ := new(big.Float).SetInt(total).Float64()
	observability.RecordTransfers(m.Kind, len(m.Transfers), lamports)
	log.Info("plan executed", "transfers", len(m.Transfers), "amount", total.String(), "signature", sig)
	return nil
}

// submit returns a non-empty signature once the transaction was sent.
func (e *Executor) submit(ctx context.Context, m ExecuteDistributionMsg) (string, error) {
	custody, err := e.custody(ctx, m.TokenID)
	if err != nil {
		return "", err
	}
	if err := e.ensureDestinations(ctx, m.Transfers); err != nil {
		return "", err
	}

	anchor, err := e.cfg.Ledger.LatestAnchor(ctx)
	if err != nil {
		return "", fmt.Errorf("latest anchor: %w", err)
	}
	sub, err := e.cfg.Ledger.Sign(&domain.TransferPlan{
		PlanID:      m.PlanID,
		TokenID:     m.TokenID,
		Kind:        m.Kind,
		Transfers:   m.Transfers,
		RawTemplate: m.RawTemplate,
	}, anchor, custody)
	if err != nil {
		return "", queue.Permanent(fmt.Errorf("sign plan: %w", err))
	}

	return e.cfg.Ledger.Submit(ctx, sub)
}

// ensureDestinations requests funding for destinations without an account.
func (e *Executor) ensureDestinations(ctx context.Context, transfers []domain.Transfer) error {
	seen := make(map[string]bool, len(transfers))
	var dests []string
	for _, tr := range transfers {
		if !seen[tr.To] {
			seen[tr.To] = true
			dests = append(dests, tr.To)
		}
	}

	exists, err := e.cfg.Ledger.AccountsExist(ctx, dests)
	if err != nil {
		return fmt.Errorf("check destinations: %w", err)
	}

	var msgs []queue.Message
	for _, d := range dests {
		if exists[d] {
			continue
		}
		m, err := queue.NewMessage(TopicSendFeeSOL, SendFeeSOLMsg{Destination: d}, "")
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := e.publish(ctx, msgs...); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d of %d destinations", ErrDestinationNotReady, len(msgs), len(dests))
}
