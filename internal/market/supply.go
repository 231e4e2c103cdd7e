package market

import (
	"fmt"
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"
	"LendLedger/internal/token"
)

// Mint pulls underlying from the minter and credits shares at the current
// exchange rate. The underlying pull is the only external call and happens
// strictly before any local mutation; a failed pull leaves the market
// untouched.
func (m *Token) Mint(minter token.Address, amount *big.Int) (*big.Int, error) {
	op := "market." + m.symbol + ".Mint"
	if amount == nil || amount.Sign() <= 0 {
		return nil, risk.Errf(risk.CodeInvalidParameter, op, "amount must be positive")
	}
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	if err := m.engine.AuthorizeMint(minter, m.symbol, amount); err != nil {
		return nil, err
	}

	exchangeRate := m.ExchangeRateStored()

	// External call first: pulling the deposit moves cash in, which would
	// skew the exchange rate if computed afterwards.
	if err := m.underlying.TransferFrom(m.addr, minter, m.addr, amount); err != nil {
		return nil, fmt.Errorf("%s: transfer in: %w", op, err)
	}

	shares := fpmath.DivScalarByExpTruncate(amount, exchangeRate)
	m.creditShares(minter, shares)
	return shares, nil
}

// Redeem burns shares and pays out underlying at the current exchange rate.
// The payout transfer happens after all local mutations.
func (m *Token) Redeem(redeemer token.Address, shareAmount *big.Int) (*big.Int, error) {
	op := "market." + m.symbol + ".Redeem"
	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, risk.Errf(risk.CodeInvalidParameter, op, "share amount must be positive")
	}
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	if m.ShareBalance(redeemer).Cmp(shareAmount) < 0 {
		return nil, fmt.Errorf("%s: %w", op, token.ErrInsufficientBalance)
	}
	if err := m.engine.AuthorizeRedeem(redeemer, m.symbol, shareAmount); err != nil {
		return nil, err
	}

	exchangeRate := m.ExchangeRateStored()
	amount := fpmath.MulScalarTruncate(exchangeRate, shareAmount)

	if m.Cash().Cmp(amount) < 0 {
		return nil, risk.Errf(risk.CodeInsufficientCash, op, "cash %s < redemption %s", m.Cash(), amount)
	}

	m.debitShares(redeemer, shareAmount)
	if err := m.underlying.Transfer(m.addr, redeemer, amount); err != nil {
		// Unreachable after the cash check; surface it as fatal anyway.
		return nil, fmt.Errorf("%s: transfer out: %w", op, err)
	}
	return amount, nil
}

// TransferShares moves shares between accounts. Gated like a redeem on the
// sender: shares pledged as collateral cannot walk away from a borrow.
func (m *Token) TransferShares(from, to token.Address, shareAmount *big.Int) error {
	op := "market." + m.symbol + ".TransferShares"
	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return risk.Errf(risk.CodeInvalidParameter, op, "share amount must be positive")
	}
	if m.ShareBalance(from).Cmp(shareAmount) < 0 {
		return fmt.Errorf("%s: %w", op, token.ErrInsufficientBalance)
	}
	if err := m.engine.AuthorizeRedeem(from, m.symbol, shareAmount); err != nil {
		return err
	}
	m.debitShares(from, shareAmount)
	m.creditShares(to, shareAmount)
	return nil
}

func (m *Token) creditShares(account token.Address, shares *big.Int) {
	if s, ok := m.shares[account]; ok {
		s.Add(s, shares)
	} else {
		m.shares[account] = new(big.Int).Set(shares)
	}
	m.totalShares.Add(m.totalShares, shares)
}

func (m *Token) debitShares(account token.Address, shares *big.Int) {
	m.shares[account].Sub(m.shares[account], shares)
	m.totalShares.Sub(m.totalShares, shares)
}

// moveShares transfers shares without changing total supply (seize path).
func (m *Token) moveShares(from, to token.Address, shares *big.Int) {
	m.shares[from].Sub(m.shares[from], shares)
	if s, ok := m.shares[to]; ok {
		s.Add(s, shares)
	} else {
		m.shares[to] = new(big.Int).Set(shares)
	}
}
