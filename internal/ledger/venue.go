package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SwapInput is what a venue needs to build a sell transaction.
type SwapInput struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey // custodial wallet selling the tokens and receiving lamports
	Payer  solana.PublicKey // fee payer
	Curve  string           // bonding curve account, bonding-curve venue only
	Amount uint64
}

// Venue builds the unsigned transaction that sells tokens for lamports.
// The ledger client sets the anchor and signs.
type Venue interface {
	BuildSwap(ctx context.Context, in SwapInput) (*solana.Transaction, error)
}

// BondingCurveVenue sells against the launch program's bonding curve.
type BondingCurveVenue struct {
	Program solana.PublicKey
}

// NewBondingCurveVenue creates a venue for the given curve program.
func NewBondingCurveVenue(programID string) (*BondingCurveVenue, error) {
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("bonding curve program: %w", err)
	}
	return &BondingCurveVenue{Program: program}, nil
}

// sellDiscriminator is the anchor instruction discriminator of "sell".
var sellDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("global:sell"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// BuildSwap builds a sell instruction with no minimum output. The pipeline
// measures the realized output from the custodial balance.
func (v *BondingCurveVenue) BuildSwap(_ context.Context, in SwapInput) (*solana.Transaction, error) {
	if in.Curve == "" {
		return nil, fmt.Errorf("bonding curve address not set for mint %s", in.Mint)
	}
	curve, err := solana.PublicKeyFromBase58(in.Curve)
	if err != nil {
		return nil, fmt.Errorf("bonding curve address: %w", err)
	}
	curveATA, err := associatedTokenAccount(curve.String(), in.Mint.String())
	if err != nil {
		return nil, err
	}
	ownerATA, err := associatedTokenAccount(in.Owner.String(), in.Mint.String())
	if err != nil {
		return nil, err
	}

	data := make([]byte, 24)
	copy(data[:8], sellDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:16], in.Amount)
	binary.LittleEndian.PutUint64(data[16:24], 0)

	ix := solana.NewInstruction(v.Program, solana.AccountMetaSlice{
		solana.Meta(curve).WRITE(),
		solana.Meta(curveATA).WRITE(),
		solana.Meta(in.Mint),
		solana.Meta(in.Owner).WRITE().SIGNER(),
		solana.Meta(ownerATA).WRITE(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(token2022Program),
	}, data)

	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(in.Payer))
	if err != nil {
		return nil, fmt.Errorf("build sell transaction: %w", err)
	}
	return tx, nil
}
