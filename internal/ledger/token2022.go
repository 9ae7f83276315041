package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"

	solanarpc "solana-fee-pipeline/internal/solana"
)

// Token account layout shared by the token programs.
const (
	accountOwnerOffset  = 32
	accountAmountOffset = 64
	accountBaseSize     = 165

	// Token-2022 appends an account type byte and TLV extensions.
	accountTypeOffset = accountBaseSize
	extensionsOffset  = accountBaseSize + 1

	accountTypeAccount = 2

	extensionUninitialized     = 0
	extensionTransferFeeAmount = 2
)

// Token instruction discriminators.
const (
	instructionBurn                 = 8
	instructionTransferFeeExtension = 26
	transferFeeWithdrawFromAccounts = 3
	associatedCreateIdempotent      = 1
)

// maxWithdrawSources bounds source accounts per withdraw transaction.
const maxWithdrawSources = 26

// parseTokenAccount decodes the base token layout and the withheld amount of
// the transfer fee extension, if present.
func parseTokenAccount(address string, data []byte) (*TokenAccount, error) {
	if len(data) < accountBaseSize {
		return nil, fmt.Errorf("token account %s: short data (%d bytes)", address, len(data))
	}

	owner := solana.PublicKeyFromBytes(data[accountOwnerOffset : accountOwnerOffset+32])
	amount := binary.LittleEndian.Uint64(data[accountAmountOffset : accountAmountOffset+8])

	acct := &TokenAccount{
		Address:  address,
		Owner:    owner.String(),
		Amount:   new(big.Int).SetUint64(amount),
		Withheld: new(big.Int),
	}

	if len(data) <= accountTypeOffset {
		return acct, nil
	}

	for i := extensionsOffset; i+4 <= len(data); {
		typ := binary.LittleEndian.Uint16(data[i : i+2])
		size := int(binary.LittleEndian.Uint16(data[i+2 : i+4]))
		i += 4
		if typ == extensionUninitialized || i+size > len(data) {
			break
		}
		if typ == extensionTransferFeeAmount && size >= 8 {
			acct.Withheld.SetUint64(binary.LittleEndian.Uint64(data[i : i+8]))
		}
		i += size
	}
	return acct, nil
}

func newWithdrawWithheldInstruction(mint, destination, authority solana.PublicKey, sources []solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.Meta(mint),
		solana.Meta(destination).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	for _, src := range sources {
		accounts = append(accounts, solana.Meta(src).WRITE())
	}

	data := []byte{instructionTransferFeeExtension, transferFeeWithdrawFromAccounts, byte(len(sources))}
	return solana.NewInstruction(token2022Program, accounts, data)
}

func newBurnInstruction(account, mint, owner solana.PublicKey, amount uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = instructionBurn
	binary.LittleEndian.PutUint64(data[1:], amount)

	return solana.NewInstruction(token2022Program, solana.AccountMetaSlice{
		solana.Meta(account).WRITE(),
		solana.Meta(mint).WRITE(),
		solana.Meta(owner).SIGNER(),
	}, data)
}

// newCreateATAIdempotentInstruction creates the Token-2022 associated token
// account of owner unless it already exists.
func newCreateATAIdempotentInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(associatedTokenProgram, solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(token2022Program),
	}, []byte{associatedCreateIdempotent})
}

var (
	token2022Program       = solana.MustPublicKeyFromBase58(solanarpc.Token2022ProgramID)
	associatedTokenProgram = solana.MustPublicKeyFromBase58(solanarpc.AssociatedTokenProgramID)
)

// associatedTokenAccount derives the Token-2022 associated token account.
func associatedTokenAccount(owner, mint string) (solana.PublicKey, error) {
	addr, err := solanarpc.FindAssociatedTokenAddress(owner, mint, solanarpc.Token2022ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	return solana.PublicKeyFromBase58(addr)
}

// toU64 converts a non-negative amount to an on-chain u64.
func toU64(amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() < 0 || !amount.IsUint64() {
		return 0, fmt.Errorf("%w: %v", ErrAmountOverflow, amount)
	}
	return amount.Uint64(), nil
}
