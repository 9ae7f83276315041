package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/jonboulle/clockwork"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/retry"
	solanarpc "solana-fee-pipeline/internal/solana"
)

// Config configures the Solana ledger client.
type Config struct {
	Logger *slog.Logger
	RPC    solanarpc.RPCClient
	// WS streams signature confirmations. Optional; polling is always on.
	WS solanarpc.WSClient
	// SystemKey pays fees, funds new accounts and is the withdraw
	// authority of withheld transfer fees.
	SystemKey solana.PrivateKey
	// Venues maps a swap venue name to its builder.
	Venues         map[string]Venue
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Clock          clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if len(cfg.SystemKey) == 0 {
		return errors.New("system key is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Solana implements Client against a Solana JSON-RPC node.
type Solana struct {
	log            *slog.Logger
	rpc            solanarpc.RPCClient
	ws             solanarpc.WSClient
	system         solana.PrivateKey
	venues         map[string]Venue
	confirmTimeout time.Duration
	pollInterval   time.Duration
	clock          clockwork.Clock
}

// Compile-time interface check.
var _ Client = (*Solana)(nil)

// NewSolana creates a ledger client.
func NewSolana(cfg Config) (*Solana, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solana{
		log:            cfg.Logger.With("component", "ledger"),
		rpc:            cfg.RPC,
		ws:             cfg.WS,
		system:         cfg.SystemKey,
		venues:         cfg.Venues,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		clock:          cfg.Clock,
	}, nil
}

// SystemAddress returns the public key of the system key.
func (s *Solana) SystemAddress() string {
	return s.system.PublicKey().String()
}

func (s *Solana) TokenAccounts(ctx context.Context, mint string) ([]TokenAccount, error) {
	keyed, err := s.rpc.GetProgramAccounts(ctx, solanarpc.Token2022ProgramID, []solanarpc.AccountFilter{
		{Memcmp: &solanarpc.MemcmpFilter{Offset: 0, Bytes: mint}},
	})
	if err != nil {
		return nil, fmt.Errorf("get token accounts of %s: %w", mint, err)
	}

	out := make([]TokenAccount, 0, len(keyed))
	for _, ka := range keyed {
		data, err := base64.StdEncoding.DecodeString(ka.Account.Data)
		if err != nil {
			s.log.Warn("skipping token account with undecodable data", "account", ka.Pubkey, "error", err)
			continue
		}
		if len(data) > accountTypeOffset && data[accountTypeOffset] != accountTypeAccount {
			continue
		}
		acct, err := parseTokenAccount(ka.Pubkey, data)
		if err != nil {
			s.log.Warn("skipping malformed token account", "account", ka.Pubkey, "error", err)
			continue
		}
		out = append(out, *acct)
	}
	return out, nil
}

func (s *Solana) AccountsExist(ctx context.Context, addrs []string) (map[string]bool, error) {
	exists := make(map[string]bool, len(addrs))
	if len(addrs) == 0 {
		return exists, nil
	}

	infos, err := s.rpc.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("get multiple accounts: %w", err)
	}
	for i, addr := range addrs {
		exists[addr] = i < len(infos) && infos[i] != nil
	}
	return exists, nil
}

func (s *Solana) Balance(ctx context.Context, addr string) (*big.Int, error) {
	lamports, err := s.rpc.GetBalance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("get balance of %s: %w", addr, err)
	}
	return new(big.Int).SetUint64(lamports), nil
}

func (s *Solana) TokenBalance(ctx context.Context, owner, mint string) (*big.Int, error) {
	ata, err := associatedTokenAccount(owner, mint)
	if err != nil {
		return nil, err
	}

	amt, err := s.rpc.GetTokenAccountBalance(ctx, ata.String())
	if errors.Is(err, solanarpc.ErrAccountNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token balance of %s: %w", ata, err)
	}

	bal, ok := new(big.Int).SetString(amt.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token amount %q", amt.Amount)
	}
	return bal, nil
}

func (s *Solana) LatestAnchor(ctx context.Context) (string, error) {
	bh, err := s.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}
	return bh.Blockhash, nil
}

func (s *Solana) WithdrawWithheld(ctx context.Context, custody *domain.CustodialKey, mint string, sources []string) (string, error) {
	if len(sources) == 0 || len(sources) > maxWithdrawSources {
		return "", fmt.Errorf("withdraw needs 1..%d source accounts, got %d", maxWithdrawSources, len(sources))
	}

	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	owner := custody.PrivateKey.PublicKey()
	ata, err := associatedTokenAccount(owner.String(), mint)
	if err != nil {
		return "", err
	}

	srcKeys := make([]solana.PublicKey, 0, len(sources))
	for _, src := range sources {
		k, err := solana.PublicKeyFromBase58(src)
		if err != nil {
			return "", fmt.Errorf("source account %s: %w", src, err)
		}
		srcKeys = append(srcKeys, k)
	}

	payer := s.system.PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{
		newCreateATAIdempotentInstruction(payer, ata, owner, mintKey),
		newWithdrawWithheldInstruction(mintKey, ata, payer, srcKeys),
	}, solana.Hash{}, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("build withdraw transaction: %w", err)
	}
	return s.signAndSubmit(ctx, tx, s.system)
}

func (s *Solana) Burn(ctx context.Context, custody *domain.CustodialKey, mint string, amount *big.Int) (string, error) {
	raw, err := toU64(amount)
	if err != nil {
		return "", err
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	owner := custody.PrivateKey.PublicKey()
	ata, err := associatedTokenAccount(owner.String(), mint)
	if err != nil {
		return "", err
	}

	tx, err := solana.NewTransaction([]solana.Instruction{
		newBurnInstruction(ata, mintKey, owner, raw),
	}, solana.Hash{}, solana.TransactionPayer(s.system.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("build burn transaction: %w", err)
	}
	return s.signAndSubmit(ctx, tx, s.system, custody.PrivateKey)
}

func (s *Solana) Swap(ctx context.Context, req SwapRequest) (string, error) {
	venue, ok := s.venues[req.Venue]
	if !ok {
		return "", fmt.Errorf("unknown swap venue %q", req.Venue)
	}
	raw, err := toU64(req.Amount)
	if err != nil {
		return "", err
	}
	mintKey, err := solana.PublicKeyFromBase58(req.Token.Mint)
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}

	tx, err := venue.BuildSwap(ctx, SwapInput{
		Mint:   mintKey,
		Owner:  req.Custody.PrivateKey.PublicKey(),
		Payer:  s.system.PublicKey(),
		Curve:  req.Token.BondingCurveAddress,
		Amount: raw,
	})
	if err != nil {
		return "", fmt.Errorf("build %s swap: %w", req.Venue, err)
	}
	return s.signAndSubmit(ctx, tx, s.system, req.Custody.PrivateKey)
}

func (s *Solana) SendNative(ctx context.Context, to string, lamports uint64) (string, error) {
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("destination: %w", err)
	}
	from := s.system.PublicKey()

	tx, err := solana.NewTransaction([]solana.Instruction{
		system.NewTransferInstruction(lamports, from, dest).Build(),
	}, solana.Hash{}, solana.TransactionPayer(from))
	if err != nil {
		return "", fmt.Errorf("build transfer transaction: %w", err)
	}
	return s.signAndSubmit(ctx, tx, s.system)
}

// BuildTemplate builds one native transfer per plan transfer, paid by the
// system key. Signature slots are left zeroed.
func (s *Solana) BuildTemplate(plan *domain.TransferPlan) (string, error) {
	if len(plan.Transfers) == 0 {
		return "", fmt.Errorf("plan %s has no transfers", plan.PlanID)
	}

	ixs := make([]solana.Instruction, 0, len(plan.Transfers))
	for i, tr := range plan.Transfers {
		lamports, err := toU64(tr.Amount)
		if err != nil {
			return "", fmt.Errorf("transfer %d: %w", i, err)
		}
		from, err := solana.PublicKeyFromBase58(tr.From)
		if err != nil {
			return "", fmt.Errorf("transfer %d from: %w", i, err)
		}
		to, err := solana.PublicKeyFromBase58(tr.To)
		if err != nil {
			return "", fmt.Errorf("transfer %d to: %w", i, err)
		}
		ixs = append(ixs, system.NewTransferInstruction(lamports, from, to).Build())
	}

	tx, err := solana.NewTransaction(ixs, solana.Hash{}, solana.TransactionPayer(s.system.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("build template: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode template: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (s *Solana) Sign(plan *domain.TransferPlan, anchor string, custody *domain.CustodialKey) (*domain.SignedSubmission, error) {
	tx, err := decodeTransaction(plan.RawTemplate)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.PlanID, err)
	}
	hash, err := solana.HashFromBase58(anchor)
	if err != nil {
		return nil, fmt.Errorf("anchor: %w", err)
	}

	raw, sig, err := signTransaction(tx, hash, s.system, custody.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.PlanID, err)
	}
	return &domain.SignedSubmission{
		PlanID:    plan.PlanID,
		Anchor:    anchor,
		Raw:       raw,
		Signature: sig,
	}, nil
}

func (s *Solana) Submit(ctx context.Context, sub *domain.SignedSubmission) (string, error) {
	sim, err := s.rpc.SimulateTransaction(ctx, sub.Raw)
	if err != nil {
		return "", fmt.Errorf("simulate: %w", err)
	}
	if sim.Err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrSimulationFailed, sim.Err, strings.Join(tail(sim.Logs, 5), " | "))
	}

	var notifications <-chan solanarpc.SignatureNotification
	if s.ws != nil && sub.Signature != "" {
		ch, err := s.ws.SubscribeSignature(ctx, sub.Signature)
		if err != nil {
			s.log.Warn("signature subscription failed, polling only", "signature", sub.Signature, "error", err)
		} else {
			notifications = ch
		}
	}

	sig, err := s.rpc.SendTransaction(ctx, sub.Raw)
	if err != nil {
		if retry.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			// The node may have forwarded it before failing; the signature
			// is fixed by signing, so the outcome stays traceable.
			return sub.Signature, fmt.Errorf("send: %w", err)
		}
		return "", fmt.Errorf("send: %w", err)
	}
	if err := s.confirm(ctx, sig, notifications); err != nil {
		return sig, err
	}
	return sig, nil
}

// signAndSubmit anchors, signs and submits a freshly built transaction.
func (s *Solana) signAndSubmit(ctx context.Context, tx *solana.Transaction, signers ...solana.PrivateKey) (string, error) {
	anchor, err := s.LatestAnchor(ctx)
	if err != nil {
		return "", err
	}
	hash, err := solana.HashFromBase58(anchor)
	if err != nil {
		return "", fmt.Errorf("anchor: %w", err)
	}

	raw, sig, err := signTransaction(tx, hash, signers...)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, &domain.SignedSubmission{Anchor: anchor, Raw: raw, Signature: sig})
}

// signTransaction sets the anchor, replaces any signatures and returns the
// base64 wire form with the first signature.
func signTransaction(tx *solana.Transaction, anchor solana.Hash, signers ...solana.PrivateKey) (string, string, error) {
	tx.Message.RecentBlockhash = anchor
	tx.Signatures = nil

	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", "", fmt.Errorf("encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), tx.Signatures[0].String(), nil
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
