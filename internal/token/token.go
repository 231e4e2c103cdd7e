package token

import (
	"fmt"
	"math/big"
)

// Address identifies an account. Market tokens, strategies, and external
// pools are addressed the same way as user accounts.
type Address string

// Token is the fungible-asset contract surface the core consumes.
// Implementations must reject (not clamp) transfers that exceed balance or
// allowance, and must never mutate state on a failed call.
type Token interface {
	Symbol() string
	Decimals() uint8
	BalanceOf(account Address) *big.Int
	Allowance(owner, spender Address) *big.Int
	Transfer(from, to Address, amount *big.Int) error
	TransferFrom(spender, from, to Address, amount *big.Int) error
	Approve(owner, spender Address, amount *big.Int) error
}

// Transfer failure modes, compared with errors.Is.
var (
	ErrInsufficientBalance  = fmt.Errorf("insufficient balance")
	ErrInsufficientAllowance = fmt.Errorf("insufficient allowance")
	ErrNegativeAmount       = fmt.Errorf("negative amount")
)

// StandardToken is the in-memory reference implementation: a plain balance
// ledger with approve/transferFrom semantics. Used by tests and by the demo
// service wiring; production deployments substitute a chain-backed adapter.
type StandardToken struct {
	symbol     string
	decimals   uint8
	balances   map[Address]*big.Int
	allowances map[Address]map[Address]*big.Int
}

func NewStandardToken(symbol string, decimals uint8) *StandardToken {
	return &StandardToken{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[Address]*big.Int),
		allowances: make(map[Address]map[Address]*big.Int),
	}
}

func (t *StandardToken) Symbol() string  { return t.symbol }
func (t *StandardToken) Decimals() uint8 { return t.decimals }

// Mint credits freshly created units to an account (test faucet / genesis).
func (t *StandardToken) Mint(account Address, amount *big.Int) {
	t.credit(account, amount)
}

func (t *StandardToken) BalanceOf(account Address) *big.Int {
	if b, ok := t.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (t *StandardToken) Allowance(owner, spender Address) *big.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return big.NewInt(0)
}

func (t *StandardToken) Approve(owner, spender Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%s approve: %w", t.symbol, ErrNegativeAmount)
	}
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
	return nil
}

func (t *StandardToken) Transfer(from, to Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%s transfer: %w", t.symbol, ErrNegativeAmount)
	}
	if t.BalanceOf(from).Cmp(amount) < 0 {
		return fmt.Errorf("%s transfer from %s: %w", t.symbol, from, ErrInsufficientBalance)
	}
	t.debit(from, amount)
	t.credit(to, amount)
	return nil
}

func (t *StandardToken) TransferFrom(spender, from, to Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%s transferFrom: %w", t.symbol, ErrNegativeAmount)
	}
	allowance := t.Allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%s transferFrom %s by %s: %w", t.symbol, from, spender, ErrInsufficientAllowance)
	}
	if t.BalanceOf(from).Cmp(amount) < 0 {
		return fmt.Errorf("%s transferFrom %s: %w", t.symbol, from, ErrInsufficientBalance)
	}
	t.allowances[from][spender] = new(big.Int).Sub(allowance, amount)
	t.debit(from, amount)
	t.credit(to, amount)
	return nil
}

func (t *StandardToken) credit(account Address, amount *big.Int) {
	if b, ok := t.balances[account]; ok {
		b.Add(b, amount)
		return
	}
	t.balances[account] = new(big.Int).Set(amount)
}

func (t *StandardToken) debit(account Address, amount *big.Int) {
	t.balances[account].Sub(t.balances[account], amount)
}

// Snapshot captures balances and allowances for atomic rollback.
func (t *StandardToken) Snapshot() any {
	balances := make(map[Address]*big.Int, len(t.balances))
	for k, v := range t.balances {
		balances[k] = new(big.Int).Set(v)
	}
	allowances := make(map[Address]map[Address]*big.Int, len(t.allowances))
	for owner, m := range t.allowances {
		inner := make(map[Address]*big.Int, len(m))
		for spender, v := range m {
			inner[spender] = new(big.Int).Set(v)
		}
		allowances[owner] = inner
	}
	return &tokenSnapshot{balances: balances, allowances: allowances}
}

// Restore reinstates a snapshot taken from this token.
func (t *StandardToken) Restore(snap any) {
	s := snap.(*tokenSnapshot)
	t.balances = s.balances
	t.allowances = s.allowances
}

type tokenSnapshot struct {
	balances   map[Address]*big.Int
	allowances map[Address]map[Address]*big.Int
}
