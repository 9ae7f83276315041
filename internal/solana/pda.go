package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Well-known program addresses.
const (
	SystemProgramID          = "11111111111111111111111111111111"
	TokenProgramID           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID       = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	AssociatedTokenProgramID = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	NativeMint               = "So11111111111111111111111111111111111111112"
)

// ErrNoViableBump is returned when no bump seed yields an off-curve address.
var ErrNoViableBump = errors.New("no viable bump seed for program address")

// FindProgramAddress derives a program-derived address and its bump seed.
// Seeds are concatenated with the bump, the program id and the
// "ProgramDerivedAddress" marker, hashed with SHA-256, and the first
// off-curve result (searching bumps downward from 255) is returned.
func FindProgramAddress(seeds [][]byte, programID string) (string, uint8, error) {
	programBytes, err := DecodePublicKey(programID)
	if err != nil {
		return "", 0, fmt.Errorf("program id: %w", err)
	}

	for bump := 255; bump >= 0; bump-- {
		data := make([]byte, 0, 32*len(seeds)+1+32+21)
		for _, seed := range seeds {
			data = append(data, seed...)
		}
		data = append(data, byte(bump))
		data = append(data, programBytes...)
		data = append(data, []byte("ProgramDerivedAddress")...)

		hash := sha256.Sum256(data)
		if !isOnCurve(hash[:]) {
			return base58.Encode(hash[:]), uint8(bump), nil
		}
	}
	return "", 0, ErrNoViableBump
}

// FindAssociatedTokenAddress derives the associated token account of owner
// for mint under the given token program.
func FindAssociatedTokenAddress(owner, mint, tokenProgramID string) (string, error) {
	ownerBytes, err := DecodePublicKey(owner)
	if err != nil {
		return "", fmt.Errorf("owner: %w", err)
	}
	mintBytes, err := DecodePublicKey(mint)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	programBytes, err := DecodePublicKey(tokenProgramID)
	if err != nil {
		return "", fmt.Errorf("token program: %w", err)
	}

	addr, _, err := FindProgramAddress([][]byte{ownerBytes, programBytes, mintBytes}, AssociatedTokenProgramID)
	return addr, err
}

// DecodePublicKey decodes a base58 address and checks its length.
func DecodePublicKey(addr string) ([]byte, error) {
	b, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", addr, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("decode %q: expected 32 bytes, got %d", addr, len(b))
	}
	return b, nil
}

// IsOnCurve reports whether a base58 address is a valid ed25519 point,
// that is, a wallet address rather than a program-derived one.
func IsOnCurve(addr string) bool {
	b, err := DecodePublicKey(addr)
	if err != nil {
		return false
	}
	return isOnCurve(b)
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
