package pipeline

import (
	"math/big"

	"solana-fee-pipeline/internal/domain"
)

// Topics.
const (
	TopicCollectFee          = "collect-fee"
	TopicBurnFee             = "burn-fee"
	TopicSwapFeeToSOL        = "swap-fee-to-sol"
	TopicPrepareDistribution = "prepare-reward-distribution"
	TopicExecuteDistribution = "execute-distribution"
	TopicUpdateJackpot       = "update-jackpot-after-swap"
	TopicPrepareJackpot      = "prepare-jackpot-distribution"
	TopicSendFeeSOL          = "send-fee-sol"
)

// CollectFeeMsg starts a collection cycle for a token.
type CollectFeeMsg struct {
	TokenID string `json:"tokenId"`
	Mint    string `json:"mint"`
	Venue   string `json:"venue,omitempty"`
}

// BurnFeeMsg burns the burn portion of a cycle.
type BurnFeeMsg struct {
	TokenID       string   `json:"tokenId"`
	Mint          string   `json:"mint"`
	Amount        *big.Int `json:"amount"`
	CorrelationID string   `json:"correlationId"`
}

// SwapFeeMsg converts the reward and jackpot portion of a cycle.
type SwapFeeMsg struct {
	TokenID       string   `json:"tokenId"`
	Mint          string   `json:"mint"`
	Amount        *big.Int `json:"amount"`
	Venue         string   `json:"venue,omitempty"`
	CorrelationID string   `json:"correlationId"`
}

// PrepareDistributionMsg asks for a payout of the token's pending balance.
// Amount is informational; the preparer pays whatever is pending.
type PrepareDistributionMsg struct {
	TokenID       string   `json:"tokenId"`
	Mint          string   `json:"mint"`
	Amount        *big.Int `json:"amount"`
	CorrelationID string   `json:"correlationId"`
}

// ExecuteDistributionMsg carries one prepared payout batch.
type ExecuteDistributionMsg struct {
	PlanID      string            `json:"planId"`
	TokenID     string            `json:"tokenId"`
	Kind        string            `json:"kind"`
	RawTemplate string            `json:"rawTemplate"`
	Transfers   []domain.Transfer `json:"transfers"`
}

// UpdateJackpotMsg adds the jackpot portion of a payout to the pot.
type UpdateJackpotMsg struct {
	TokenID       string   `json:"tokenId"`
	Mint          string   `json:"mint"`
	Amount        *big.Int `json:"amount"`
	CorrelationID string   `json:"correlationId"`
}

// PrepareJackpotMsg asks for jackpot run Runs of a token. Draws and Amount
// describe the run as the scheduler saw it; the selector settles from the
// stored pot.
type PrepareJackpotMsg struct {
	TokenID       string   `json:"tokenId"`
	Mint          string   `json:"mint"`
	Runs          int64    `json:"runs"`
	Amount        *big.Int `json:"amount"`
	Draws         int64    `json:"draws"`
	CorrelationID string   `json:"correlationId"`
}

// SendFeeSOLMsg funds a payout destination that has no account yet.
type SendFeeSOLMsg struct {
	Destination string `json:"destination"`
}

func planMessage(p *domain.TransferPlan) ExecuteDistributionMsg {
	return ExecuteDistributionMsg{
		PlanID:      p.PlanID,
		TokenID:     p.TokenID,
		Kind:        p.Kind,
		RawTemplate: p.RawTemplate,
		Transfers:   p.Transfers,
	}
}
