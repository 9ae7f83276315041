package domain

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// CustodialKey is the per-token keypair that holds collected fees.
// Created once and immutable thereafter.
type CustodialKey struct {
	TokenID    string
	PublicKey  string // base58
	PrivateKey solana.PrivateKey
	CreatedAt  int64 // creation timestamp (ms)
}

// DistributionRecord is one logical transfer carried by a submitted transaction.
// Corresponds to the distribution_records table (append-only).
type DistributionRecord struct {
	RecordID  string // deterministic hash of plan id + transfer index
	PlanID    string // plan that carried the transfer
	TokenID   string
	From      string
	To        string
	Amount    *big.Int
	Kind      string // see RecordKind* constants
	Signature string // transaction signature shared by the whole batch
	CreatedAt int64  // write timestamp (ms)
}

// Record kind constants
const (
	RecordKindCollectFee  = "CollectFee"
	RecordKindBurn        = "Burn"
	RecordKindSwapToBase  = "SwapToBase"
	RecordKindDistribute  = "Distribute"
	RecordKindJackpot     = "Jackpot"
	RecordKindSendToVault = "SendToVault"
)

// IsPayoutKind reports whether the kind pays a holder or the fee vault.
func IsPayoutKind(kind string) bool {
	switch kind {
	case RecordKindDistribute, RecordKindJackpot, RecordKindSendToVault:
		return true
	}
	return false
}

// Transfer is a single payout from custody.
type Transfer struct {
	TokenID string   `json:"tokenId"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Amount  *big.Int `json:"amount"`
	Kind    string   `json:"kind"`
}

// TransferPlan is an unsigned payout batch built ahead of execution.
// RawTemplate carries a zero placeholder anchor and no signatures.
type TransferPlan struct {
	PlanID      string
	TokenID     string
	Kind        string
	Transfers   []Transfer
	RawTemplate string // base64 transaction
}

// Total returns the sum of all transfer amounts in the plan.
func (p *TransferPlan) Total() *big.Int {
	sum := new(big.Int)
	for _, tr := range p.Transfers {
		if tr.Amount != nil {
			sum.Add(sum, tr.Amount)
		}
	}
	return sum
}

// SignedSubmission is a plan bound to a live anchor and signed for submission.
type SignedSubmission struct {
	PlanID    string
	Anchor    string // recent blockhash (base58)
	Raw       string // base64 signed transaction
	Signature string // first signature (base58)
}
