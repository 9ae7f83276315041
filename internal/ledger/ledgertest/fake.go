// Package ledgertest provides an in-memory ledger for pipeline tests.
package ledgertest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/ledger"
)

// Fake is an in-memory ledger. Token balances are keyed by owner and mint,
// lamports by address. Templates are JSON encoded transfer lists.
type Fake struct {
	mu sync.Mutex

	accounts map[string][]ledger.TokenAccount // by mint
	lamports map[string]*big.Int
	tokens   map[string]*big.Int
	existing map[string]bool

	swapNum, swapDen int64

	seq       int
	calls     map[string]int
	failNext  map[string]error
	submitted []*domain.SignedSubmission
	paid      []domain.Transfer
}

// Compile-time interface check.
var _ ledger.Client = (*Fake)(nil)

// NewFake creates an empty ledger that swaps one token unit for one lamport.
func NewFake() *Fake {
	return &Fake{
		accounts: make(map[string][]ledger.TokenAccount),
		lamports: make(map[string]*big.Int),
		tokens:   make(map[string]*big.Int),
		existing: make(map[string]bool),
		swapNum:  1,
		swapDen:  1,
		calls:    make(map[string]int),
		failNext: make(map[string]error),
	}
}

// SetTokenAccounts replaces the token accounts of a mint.
func (f *Fake) SetTokenAccounts(mint string, accts ...ledger.TokenAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[mint] = accts
	for _, a := range accts {
		f.existing[a.Owner] = true
	}
}

// SetLamports sets the lamport balance of an address and marks it existing.
func (f *Fake) SetLamports(addr string, lamports int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lamports[addr] = big.NewInt(lamports)
	f.existing[addr] = true
}

// SetTokenBalance sets the owner's token balance for the mint.
func (f *Fake) SetTokenBalance(owner, mint string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[tokenKey(owner, mint)] = big.NewInt(amount)
}

// SetExists marks addresses as having or lacking an on-ledger account.
func (f *Fake) SetExists(exists bool, addrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range addrs {
		f.existing[a] = exists
	}
}

// SetSwapRate sets the lamports received per token unit as num/den.
func (f *Fake) SetSwapRate(num, den int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swapNum, f.swapDen = num, den
}

// FailNext makes the next call of method return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = err
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Paid returns every transfer applied by Submit, in order.
func (f *Fake) Paid() []domain.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Transfer(nil), f.paid...)
}

// Submitted returns the submissions accepted by Submit.
func (f *Fake) Submitted() []*domain.SignedSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.SignedSubmission(nil), f.submitted...)
}

// LamportsOf returns the lamport balance of an address.
func (f *Fake) LamportsOf(addr string) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lamportsLocked(addr)
}

// TokensOf returns the owner's token balance for the mint.
func (f *Fake) TokensOf(owner, mint string) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokensLocked(owner, mint)
}

// enter records the call and returns an injected failure, if any.
// Callers hold f.mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	if err, ok := f.failNext[method]; ok {
		delete(f.failNext, method)
		return err
	}
	return nil
}

func (f *Fake) nextSig() string {
	f.seq++
	return fmt.Sprintf("sig-%d", f.seq)
}

func (f *Fake) lamportsLocked(addr string) *big.Int {
	if v, ok := f.lamports[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (f *Fake) tokensLocked(owner, mint string) *big.Int {
	if v, ok := f.tokens[tokenKey(owner, mint)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (f *Fake) TokenAccounts(_ context.Context, mint string) ([]ledger.TokenAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TokenAccounts"); err != nil {
		return nil, err
	}

	out := make([]ledger.TokenAccount, 0, len(f.accounts[mint]))
	for _, a := range f.accounts[mint] {
		out = append(out, ledger.TokenAccount{
			Address:  a.Address,
			Owner:    a.Owner,
			Amount:   cloneOrZero(a.Amount),
			Withheld: cloneOrZero(a.Withheld),
		})
	}
	return out, nil
}

func (f *Fake) AccountsExist(_ context.Context, addrs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AccountsExist"); err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		out[a] = f.existing[a]
	}
	return out, nil
}

func (f *Fake) Balance(_ context.Context, addr string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Balance"); err != nil {
		return nil, err
	}
	return f.lamportsLocked(addr), nil
}

func (f *Fake) TokenBalance(_ context.Context, owner, mint string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TokenBalance"); err != nil {
		return nil, err
	}
	return f.tokensLocked(owner, mint), nil
}

func (f *Fake) LatestAnchor(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LatestAnchor"); err != nil {
		return "", err
	}
	return fmt.Sprintf("anchor-%d", f.seq), nil
}

func (f *Fake) WithdrawWithheld(_ context.Context, custody *domain.CustodialKey, mint string, sources []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("WithdrawWithheld"); err != nil {
		return "", err
	}

	wanted := make(map[string]bool, len(sources))
	for _, s := range sources {
		wanted[s] = true
	}

	bal := f.tokensLocked(custody.PublicKey, mint)
	accts := f.accounts[mint]
	for i := range accts {
		if !wanted[accts[i].Address] || accts[i].Withheld == nil {
			continue
		}
		bal.Add(bal, accts[i].Withheld)
		accts[i].Withheld = new(big.Int)
	}
	f.tokens[tokenKey(custody.PublicKey, mint)] = bal
	return f.nextSig(), nil
}

func (f *Fake) Burn(_ context.Context, custody *domain.CustodialKey, mint string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Burn"); err != nil {
		return "", err
	}

	bal := f.tokensLocked(custody.PublicKey, mint)
	if bal.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: burn %s exceeds balance %s", ledger.ErrSimulationFailed, amount, bal)
	}
	f.tokens[tokenKey(custody.PublicKey, mint)] = bal.Sub(bal, amount)
	return f.nextSig(), nil
}

func (f *Fake) Swap(_ context.Context, req ledger.SwapRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Swap"); err != nil {
		return "", err
	}

	owner, mint := req.Custody.PublicKey, req.Token.Mint
	bal := f.tokensLocked(owner, mint)
	if bal.Cmp(req.Amount) < 0 {
		return "", fmt.Errorf("%w: swap %s exceeds balance %s", ledger.ErrSimulationFailed, req.Amount, bal)
	}
	f.tokens[tokenKey(owner, mint)] = bal.Sub(bal, req.Amount)

	out := new(big.Int).Mul(req.Amount, big.NewInt(f.swapNum))
	out.Quo(out, big.NewInt(f.swapDen))
	f.lamports[owner] = new(big.Int).Add(f.lamportsLocked(owner), out)
	f.existing[owner] = true
	return f.nextSig(), nil
}

func (f *Fake) SendNative(_ context.Context, to string, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SendNative"); err != nil {
		return "", err
	}

	bal := f.lamportsLocked(to)
	f.lamports[to] = bal.Add(bal, new(big.Int).SetUint64(lamports))
	f.existing[to] = true
	return f.nextSig(), nil
}

func (f *Fake) BuildTemplate(plan *domain.TransferPlan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BuildTemplate"); err != nil {
		return "", err
	}
	if len(plan.Transfers) == 0 {
		return "", fmt.Errorf("plan %s has no transfers", plan.PlanID)
	}

	raw, err := json.Marshal(plan.Transfers)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (f *Fake) Sign(plan *domain.TransferPlan, anchor string, _ *domain.CustodialKey) (*domain.SignedSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Sign"); err != nil {
		return nil, err
	}
	return &domain.SignedSubmission{
		PlanID:    plan.PlanID,
		Anchor:    anchor,
		Raw:       plan.RawTemplate,
		Signature: f.nextSig(),
	}, nil
}

// Submit applies the transfers of a template built by BuildTemplate.
func (f *Fake) Submit(_ context.Context, sub *domain.SignedSubmission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Submit"); err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sub.Raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrSimulationFailed, err)
	}
	var transfers []domain.Transfer
	if err := json.Unmarshal(raw, &transfers); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrSimulationFailed, err)
	}

	need := make(map[string]*big.Int)
	for _, tr := range transfers {
		if need[tr.From] == nil {
			need[tr.From] = new(big.Int)
		}
		need[tr.From].Add(need[tr.From], tr.Amount)
	}
	for from, amt := range need {
		if bal := f.lamportsLocked(from); bal.Cmp(amt) < 0 {
			return "", fmt.Errorf("%w: %s holds %s, needs %s", ledger.ErrSimulationFailed, from, bal, amt)
		}
	}

	for _, tr := range transfers {
		from := f.lamportsLocked(tr.From)
		f.lamports[tr.From] = from.Sub(from, tr.Amount)
		to := f.lamportsLocked(tr.To)
		f.lamports[tr.To] = to.Add(to, tr.Amount)
		f.paid = append(f.paid, tr)
	}
	f.submitted = append(f.submitted, sub)
	return sub.Signature, nil
}

func tokenKey(owner, mint string) string {
	return owner + "|" + mint
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
