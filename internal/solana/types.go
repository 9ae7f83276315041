package solana

import "errors"

// ErrAccountNotFound is returned when a queried account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Commitment levels.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}

// KeyedAccount is an account returned by getProgramAccounts.
type KeyedAccount struct {
	Pubkey  string
	Account AccountInfo
}

// AccountFilter narrows getProgramAccounts. Exactly one field is set.
type AccountFilter struct {
	Memcmp   *MemcmpFilter
	DataSize uint64
}

// MemcmpFilter matches Bytes (base58) at Offset.
type MemcmpFilter struct {
	Offset uint64
	Bytes  string
}

// TokenAmount is a raw token balance.
type TokenAmount struct {
	Amount   string // raw units, decimal string
	Decimals uint8
}

// Blockhash is a recent blockhash with its expiry height.
type Blockhash struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// SimulationResult is the outcome of simulateTransaction.
type SimulationResult struct {
	Err           interface{}
	Logs          []string
	UnitsConsumed uint64
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *uint64 // nil once rooted
	Err                interface{}
	ConfirmationStatus string
}

// Reached reports whether the status is at least the given commitment.
func (s *SignatureStatus) Reached(commitment string) bool {
	rank := map[string]int{CommitmentProcessed: 1, CommitmentConfirmed: 2, CommitmentFinalized: 3}
	return rank[s.ConfirmationStatus] >= rank[commitment]
}
