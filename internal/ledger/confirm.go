package ledger

import (
	"context"
	"fmt"

	solanarpc "solana-fee-pipeline/internal/solana"
)

// confirm waits until the signature reaches confirmed commitment. WebSocket
// notifications end the wait early; status polling runs regardless so a
// dropped subscription cannot stall the caller.
func (s *Solana) confirm(ctx context.Context, sig string, notifications <-chan solanarpc.SignatureNotification) error {
	timeout := s.clock.NewTimer(s.confirmTimeout)
	defer timeout.Stop()
	poll := s.clock.NewTicker(s.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timeout.Chan():
			return fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, sig, s.confirmTimeout)

		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if n.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransactionFailed, sig, n.Err)
			}
			return nil

		case <-poll.Chan():
			statuses, err := s.rpc.GetSignatureStatuses(ctx, []string{sig})
			if err != nil {
				s.log.Debug("signature status poll failed", "signature", sig, "error", err)
				continue
			}
			if len(statuses) == 0 || statuses[0] == nil {
				continue
			}
			st := statuses[0]
			if st.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransactionFailed, sig, st.Err)
			}
			if st.Reached(solanarpc.CommitmentConfirmed) {
				return nil
			}
		}
	}
}
