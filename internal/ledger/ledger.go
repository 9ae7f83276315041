// Package ledger is the pipeline's view of the Solana ledger: holder
// snapshots, withheld transfer fees, balances, and the transactions the
// stages submit (withdraw, burn, swap, native transfers and payout batches).
package ledger

import (
	"context"
	"errors"
	"math/big"

	"solana-fee-pipeline/internal/domain"
)

var (
	// ErrSimulationFailed is returned when preflight simulation rejects a transaction.
	ErrSimulationFailed = errors.New("transaction simulation failed")

	// ErrTransactionFailed is returned when a confirmed transaction carries an error.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConfirmationTimeout is returned when a sent transaction is not
	// confirmed in time. The transaction may still land.
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")

	// ErrAmountOverflow is returned when an amount does not fit an on-chain u64.
	ErrAmountOverflow = errors.New("amount exceeds u64")
)

// TokenAccount is one Token-2022 account of a mint.
type TokenAccount struct {
	Address  string   // token account
	Owner    string   // wallet owning the account
	Amount   *big.Int // raw token units
	Withheld *big.Int // transfer fees withheld on the account
}

// SwapRequest describes converting custodial tokens to base currency.
type SwapRequest struct {
	Token   *domain.Token
	Custody *domain.CustodialKey
	Venue   string
	Amount  *big.Int // raw token units
}

// Client is the ledger surface used by the pipeline stages.
type Client interface {
	// TokenAccounts returns every token account of the mint.
	TokenAccounts(ctx context.Context, mint string) ([]TokenAccount, error)

	// AccountsExist reports which addresses have an on-ledger account.
	AccountsExist(ctx context.Context, addrs []string) (map[string]bool, error)

	// Balance returns the lamport balance of an address. Missing accounts are zero.
	Balance(ctx context.Context, addr string) (*big.Int, error)

	// TokenBalance returns the balance of the owner's associated token
	// account for the mint. A missing account is zero.
	TokenBalance(ctx context.Context, owner, mint string) (*big.Int, error)

	// LatestAnchor returns a recent blockhash.
	LatestAnchor(ctx context.Context) (string, error)

	// WithdrawWithheld moves withheld fees of the source accounts into the
	// custodial associated token account and returns the signature.
	WithdrawWithheld(ctx context.Context, custody *domain.CustodialKey, mint string, sources []string) (string, error)

	// Burn destroys tokens held in custody and returns the signature.
	Burn(ctx context.Context, custody *domain.CustodialKey, mint string, amount *big.Int) (string, error)

	// Swap sells custodial tokens for base currency on the requested venue.
	Swap(ctx context.Context, req SwapRequest) (string, error)

	// SendNative transfers lamports from the system key.
	SendNative(ctx context.Context, to string, lamports uint64) (string, error)

	// BuildTemplate builds the unsigned transaction of a plan against a
	// zero placeholder anchor.
	BuildTemplate(plan *domain.TransferPlan) (string, error)

	// Sign binds a template to a live anchor and signs it with the system
	// key and the custodial key.
	Sign(plan *domain.TransferPlan, anchor string, custody *domain.CustodialKey) (*domain.SignedSubmission, error)

	// Submit simulates, sends and confirms a signed submission.
	Submit(ctx context.Context, sub *domain.SignedSubmission) (string, error)
}
