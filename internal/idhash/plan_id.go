package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputePlanID computes a deterministic plan_id using SHA256.
// Formula: SHA256(correlation_id|kind|index)
// Returns hex-encoded hash (64 characters).
func ComputePlanID(correlationID string, kind string, index int) string {
	data := fmt.Sprintf("%s|%s|%d", correlationID, kind, index)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeRecordID computes a deterministic record_id using SHA256.
// Formula: SHA256(plan_id|transfer_index)
func ComputeRecordID(planID string, transferIndex int) string {
	data := fmt.Sprintf("%s|%d", planID, transferIndex)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeJackpotRunID computes the correlation id of a jackpot run.
// Formula: SHA256(token_id|jackpot_runs)
// Every sweep of an unsettled run maps to the same id, whatever was added to
// the pot in between; settling bumps jackpot_runs and opens the next run.
func ComputeJackpotRunID(tokenID string, runs int64) string {
	data := fmt.Sprintf("%s|%d", tokenID, runs)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
