package market

import (
	"fmt"
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"
	"LendLedger/internal/token"
)

// Borrow draws underlying against the borrower's cross-market collateral.
// The payout transfer runs after the borrow ledger is updated.
func (m *Token) Borrow(borrower token.Address, amount *big.Int) error {
	op := "market." + m.symbol + ".Borrow"
	if amount == nil || amount.Sign() <= 0 {
		return risk.Errf(risk.CodeInvalidParameter, op, "amount must be positive")
	}
	if err := m.AccrueInterest(); err != nil {
		return err
	}
	if err := m.engine.AuthorizeBorrow(borrower, m.symbol, amount); err != nil {
		return err
	}
	if m.Cash().Cmp(amount) < 0 {
		return risk.Errf(risk.CodeInsufficientCash, op, "cash %s < borrow %s", m.Cash(), amount)
	}

	newBalance := new(big.Int).Add(m.BorrowBalanceStored(borrower), amount)
	m.borrows[borrower] = &borrowSnapshot{
		principal:     newBalance,
		interestIndex: m.borrowIndex.Clone(),
	}
	m.totalBorrows.Add(m.totalBorrows, amount)

	if err := m.underlying.Transfer(m.addr, borrower, amount); err != nil {
		return fmt.Errorf("%s: transfer out: %w", op, err)
	}
	return nil
}

// RepayBorrow pulls underlying from the payer and reduces the payer's own
// debt. Paying more than the outstanding balance is an arithmetic-underflow
// class rejection, never a silent clamp: callers that want a full close read
// BorrowBalanceCurrent first and repay exactly that.
func (m *Token) RepayBorrow(payer token.Address, amount *big.Int) error {
	return m.repayBorrowBehalf(payer, payer, amount)
}

// repayBorrowBehalf lets a liquidator retire a borrower's debt. Interest
// must already be accrued by the caller's entry point.
func (m *Token) repayBorrowBehalf(payer, borrower token.Address, amount *big.Int) error {
	op := "market." + m.symbol + ".RepayBorrow"
	if amount == nil || amount.Sign() <= 0 {
		return risk.Errf(risk.CodeInvalidParameter, op, "amount must be positive")
	}
	if err := m.AccrueInterest(); err != nil {
		return err
	}
	if err := m.engine.AuthorizeRepay(borrower, m.symbol, amount); err != nil {
		return err
	}

	outstanding := m.BorrowBalanceStored(borrower)
	if amount.Cmp(outstanding) > 0 {
		return risk.Errf(risk.CodeRepayExceedsDebt, op,
			"repay %s exceeds outstanding %s", amount, outstanding)
	}

	// External pull strictly before the debt mutation.
	if err := m.underlying.TransferFrom(m.addr, payer, m.addr, amount); err != nil {
		return fmt.Errorf("%s: transfer in: %w", op, err)
	}

	m.borrows[borrower] = &borrowSnapshot{
		principal:     new(big.Int).Sub(outstanding, amount),
		interestIndex: m.borrowIndex.Clone(),
	}
	m.totalBorrows.Sub(m.totalBorrows, amount)
	return nil
}

// LiquidateBorrow lets the liquidator repay part of an insolvent borrower's
// debt in this market and seize the equivalent (plus incentive) in shares of
// the collateral market. Both markets accrue before the seize amount is
// computed so neither exchange rate nor debt is stale.
func (m *Token) LiquidateBorrow(
	liquidator, borrower token.Address,
	repayAmount *big.Int,
	collateral *Token,
) (*big.Int, error) {
	op := "market." + m.symbol + ".LiquidateBorrow"
	if liquidator == borrower {
		return nil, risk.Errf(risk.CodeInvalidParameter, op, "liquidator is the borrower")
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, risk.Errf(risk.CodeInvalidParameter, op, "repay amount must be positive")
	}
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	if err := collateral.AccrueInterest(); err != nil {
		return nil, err
	}

	seizeShares, err := m.engine.AuthorizeLiquidate(borrower, m.symbol, collateral.symbol, repayAmount)
	if err != nil {
		return nil, err
	}
	if collateral.ShareBalance(borrower).Cmp(seizeShares) < 0 {
		return nil, fmt.Errorf("%s: seize %s shares: %w", op, seizeShares, token.ErrInsufficientBalance)
	}

	if err := m.repayBorrowBehalf(liquidator, borrower, repayAmount); err != nil {
		return nil, err
	}
	if err := collateral.Seize(m, borrower, liquidator, seizeShares); err != nil {
		return nil, err
	}
	return seizeShares, nil
}

// Seize moves collateral shares from a liquidated borrower to the
// liquidator. Only a sibling market under the same risk engine may call it,
// and it never re-checks solvency: the liquidation math already priced the
// transfer in.
func (m *Token) Seize(caller *Token, borrower, liquidator token.Address, shareAmount *big.Int) error {
	op := "market." + m.symbol + ".Seize"
	if caller == nil || caller.engine != m.engine {
		return risk.Errf(risk.CodeUnauthorized, op, "caller is not a sibling market")
	}
	if err := m.engine.AuthorizeSeize(m.symbol, caller.symbol); err != nil {
		return err
	}
	if m.ShareBalance(borrower).Cmp(shareAmount) < 0 {
		return fmt.Errorf("%s: %w", op, token.ErrInsufficientBalance)
	}
	m.moveShares(borrower, liquidator, shareAmount)
	return nil
}

// UnderlyingValue converts a share amount to underlying at the stored rate.
func (m *Token) UnderlyingValue(shareAmount *big.Int) *big.Int {
	return fpmath.MulScalarTruncate(m.ExchangeRateStored(), shareAmount)
}
