// Package solana is a JSON-RPC and WebSocket transport for Solana nodes.
package solana

import "context"

// RPCClient defines Solana RPC HTTP interface.
type RPCClient interface {
	// GetAccountInfo retrieves an account. Returns nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetMultipleAccounts retrieves accounts in order; missing accounts are nil.
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error)

	// GetProgramAccounts retrieves all accounts owned by a program matching the filters.
	GetProgramAccounts(ctx context.Context, programID string, filters []AccountFilter) ([]KeyedAccount, error)

	// GetBalance retrieves the lamport balance of an account.
	GetBalance(ctx context.Context, pubkey string) (uint64, error)

	// GetTokenAccountBalance retrieves a token account balance.
	// Returns ErrAccountNotFound if the account does not exist.
	GetTokenAccountBalance(ctx context.Context, pubkey string) (*TokenAmount, error)

	// GetLatestBlockhash retrieves a recent blockhash.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// SimulateTransaction simulates a base64 encoded signed transaction.
	SimulateTransaction(ctx context.Context, txBase64 string) (*SimulationResult, error)

	// SendTransaction submits a base64 encoded signed transaction and returns its signature.
	SendTransaction(ctx context.Context, txBase64 string) (string, error)

	// GetSignatureStatuses retrieves statuses in order; unknown signatures are nil.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)
}
