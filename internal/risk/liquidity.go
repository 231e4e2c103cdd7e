package risk

import (
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/token"
)

// LiquiditySnapshot is the derived, never-stored solvency view of one
// account, all values 18-decimal USD.
type LiquiditySnapshot struct {
	// Collateral is the risk-weighted collateral value: each entered
	// market's supply valued at price*exchangeRate*collateralFactor.
	Collateral *big.Int
	// Borrowed is the total debt value across every market with a nonzero
	// borrow, entered or not.
	Borrowed *big.Int
	// Shortfall is max(0, Borrowed-Collateral). Positive means liquidatable.
	Shortfall *big.Int
}

// Liquidity returns max(0, Collateral-Borrowed): the remaining USD borrowing
// headroom.
func (s LiquiditySnapshot) Liquidity() *big.Int {
	d := new(big.Int).Sub(s.Collateral, s.Borrowed)
	if d.Sign() < 0 {
		return big.NewInt(0)
	}
	return d
}

// AccountLiquidity computes the account's current solvency snapshot from
// live prices and stored balances. Pure read: no market or engine state is
// touched, so it can be called speculatively around any proposed action.
func (e *Engine) AccountLiquidity(account token.Address) (LiquiditySnapshot, error) {
	return e.hypotheticalLiquidity(account, "", zeroBig, zeroBig)
}

// hypotheticalLiquidity computes the snapshot as if the account had already
// redeemed redeemShares of modifySymbol and borrowed borrowAmount more of
// its underlying.
func (e *Engine) hypotheticalLiquidity(
	account token.Address,
	modifySymbol string,
	redeemShares, borrowAmount *big.Int,
) (LiquiditySnapshot, error) {
	const op = "risk.AccountLiquidity"

	collateral := big.NewInt(0)
	borrowed := big.NewInt(0)

	// Collateral side: entered markets only. A supply position without
	// membership contributes nothing to borrowing power.
	for _, sym := range e.memberships[account] {
		rec := e.markets[sym]
		shares, _, exchangeRate := rec.market.AccountSnapshot(account)

		price, err := e.price(sym, op)
		if err != nil {
			return LiquiditySnapshot{}, err
		}

		// shareValue = collateralFactor * exchangeRate * price, the USD
		// value of one share after the risk haircut.
		shareValue := fpmath.MulExp(fpmath.MulExp(rec.collateralFactor, exchangeRate), price)
		collateral.Add(collateral, fpmath.MulScalarTruncate(shareValue, shares))

		if sym == modifySymbol && redeemShares.Sign() > 0 {
			collateral.Sub(collateral, fpmath.MulScalarTruncate(shareValue, redeemShares))
		}
	}

	// Debt side: every listed market with a nonzero borrow counts,
	// membership or not.
	for _, sym := range e.marketOrder {
		rec := e.markets[sym]
		_, borrow, _ := rec.market.AccountSnapshot(account)
		if borrow.Sign() == 0 && sym != modifySymbol {
			continue
		}

		price, err := e.price(sym, op)
		if err != nil {
			return LiquiditySnapshot{}, err
		}

		borrowed.Add(borrowed, fpmath.MulScalarTruncate(price, borrow))
		if sym == modifySymbol && borrowAmount.Sign() > 0 {
			borrowed.Add(borrowed, fpmath.MulScalarTruncate(price, borrowAmount))
		}
	}

	shortfall := new(big.Int).Sub(borrowed, collateral)
	if shortfall.Sign() < 0 {
		shortfall.SetInt64(0)
	}
	return LiquiditySnapshot{Collateral: collateral, Borrowed: borrowed, Shortfall: shortfall}, nil
}

func (e *Engine) price(symbol, op string) (fpmath.Exp, error) {
	if e.prices == nil {
		return fpmath.ZeroExp(), Errf(CodeZeroPrice, op, "no price oracle configured")
	}
	p, ok := e.prices.UnderlyingPrice(symbol)
	if !ok || p.IsZero() {
		return fpmath.ZeroExp(), Errf(CodeZeroPrice, op, "no price for %s", symbol)
	}
	return p, nil
}

// --- Authorization hooks consulted by market tokens ---

// AuthorizeMint gates a deposit. Minting can only improve solvency, so a
// listed market is the only requirement.
func (e *Engine) AuthorizeMint(account token.Address, symbol string, amount *big.Int) error {
	const op = "risk.AuthorizeMint"
	if !e.IsListed(symbol) {
		return Errf(CodeMarketNotListed, op, "market %s", symbol)
	}
	return nil
}

// AuthorizeRedeem gates a share redemption against the account's post-redeem
// solvency. Non-member supply is free to leave: it never counted.
func (e *Engine) AuthorizeRedeem(account token.Address, symbol string, shares *big.Int) error {
	const op = "risk.AuthorizeRedeem"
	if !e.IsListed(symbol) {
		return Errf(CodeMarketNotListed, op, "market %s", symbol)
	}
	if !e.isMember(account, symbol) {
		return nil
	}
	snap, err := e.hypotheticalLiquidity(account, symbol, shares, zeroBig)
	if err != nil {
		return err
	}
	if snap.Shortfall.Sign() > 0 {
		return Errf(CodeInsufficientLiquidity, op, "post-redeem shortfall %s", snap.Shortfall)
	}
	return nil
}

// AuthorizeBorrow gates a borrow against post-borrow solvency. Borrowing
// never requires membership in the borrowed market; the debt is counted
// against collateral regardless.
func (e *Engine) AuthorizeBorrow(account token.Address, symbol string, amount *big.Int) error {
	const op = "risk.AuthorizeBorrow"
	if !e.IsListed(symbol) {
		return Errf(CodeMarketNotListed, op, "market %s", symbol)
	}
	if _, err := e.price(symbol, op); err != nil {
		return err
	}
	snap, err := e.hypotheticalLiquidity(account, symbol, zeroBig, amount)
	if err != nil {
		return err
	}
	if snap.Shortfall.Sign() > 0 {
		return Errf(CodeInsufficientLiquidity, op, "post-borrow shortfall %s", snap.Shortfall)
	}
	return nil
}

// AuthorizeRepay gates a repayment. Repaying can only improve solvency.
func (e *Engine) AuthorizeRepay(account token.Address, symbol string, amount *big.Int) error {
	const op = "risk.AuthorizeRepay"
	if !e.IsListed(symbol) {
		return Errf(CodeMarketNotListed, op, "market %s", symbol)
	}
	return nil
}

// AuthorizeLiquidate gates a liquidation and computes the seize amount in
// collateral-market share units:
//
//	seizeShares = repayAmount * priceRepay * incentive / (priceCollateral * exchangeRateCollateral)
//
// Both markets must have accrued interest immediately before this call so
// the collateral exchange rate is not stale.
func (e *Engine) AuthorizeLiquidate(
	borrower token.Address,
	repaySymbol, collateralSymbol string,
	repayAmount *big.Int,
) (*big.Int, error) {
	const op = "risk.AuthorizeLiquidate"

	repayRec, ok := e.markets[repaySymbol]
	if !ok {
		return nil, Errf(CodeMarketNotListed, op, "repay market %s", repaySymbol)
	}
	collRec, ok := e.markets[collateralSymbol]
	if !ok {
		return nil, Errf(CodeMarketNotListed, op, "collateral market %s", collateralSymbol)
	}

	snap, err := e.AccountLiquidity(borrower)
	if err != nil {
		return nil, err
	}
	if snap.Shortfall.Sign() <= 0 {
		return nil, Errf(CodeBorrowerHealthy, op, "borrower %s has no shortfall", borrower)
	}

	// Close-factor bound on the targeted borrow.
	_, outstanding, _ := repayRec.market.AccountSnapshot(borrower)
	maxRepay := fpmath.MulScalarTruncate(e.closeFactor, outstanding)
	if repayAmount.Cmp(maxRepay) > 0 {
		return nil, Errf(CodeTooMuchRepay, op, "repay %s exceeds close-factor bound %s", repayAmount, maxRepay)
	}

	priceRepay, err := e.price(repaySymbol, op)
	if err != nil {
		return nil, err
	}
	priceColl, err := e.price(collateralSymbol, op)
	if err != nil {
		return nil, err
	}

	_, _, collExchangeRate := collRec.market.AccountSnapshot(borrower)

	// ratio = incentive * priceRepay / (priceCollateral * exchangeRate);
	// the numerator is kept un-truncated until the final division so the
	// intermediate survives 1e24-scale amounts against 1e30-scale prices.
	numerator := fpmath.MulExp(e.liquidationIncentive, priceRepay)
	denominator := fpmath.MulExp(priceColl, collExchangeRate)
	ratio := fpmath.DivExp(numerator, denominator)

	return fpmath.MulScalarTruncate(ratio, repayAmount), nil
}

// AuthorizeSeize verifies a share seizure: both the collateral market and
// the market initiating the seize must be listed in this engine. Anything
// else is a protocol-invariant violation.
func (e *Engine) AuthorizeSeize(collateralSymbol, seizerSymbol string) error {
	const op = "risk.AuthorizeSeize"
	if !e.IsListed(collateralSymbol) || !e.IsListed(seizerSymbol) {
		return Errf(CodeUnauthorized, op, "seize between %s and %s not sanctioned", seizerSymbol, collateralSymbol)
	}
	return nil
}

// --- Atomic rollback support ---

type engineSnapshot struct {
	closeFactor          fpmath.Exp
	liquidationIncentive fpmath.Exp
	collateralFactors    map[string]fpmath.Exp
	memberships          map[token.Address][]string
	memberIndex          map[token.Address]map[string]bool
}

// Snapshot captures parameters and memberships for atomic rollback. Market
// records themselves are snapshotted by their own markets.
func (e *Engine) Snapshot() any {
	factors := make(map[string]fpmath.Exp, len(e.markets))
	for sym, rec := range e.markets {
		factors[sym] = rec.collateralFactor.Clone()
	}
	members := make(map[token.Address][]string, len(e.memberships))
	for acct, syms := range e.memberships {
		cp := make([]string, len(syms))
		copy(cp, syms)
		members[acct] = cp
	}
	index := make(map[token.Address]map[string]bool, len(e.memberIndex))
	for acct, m := range e.memberIndex {
		cp := make(map[string]bool, len(m))
		for k, v := range m {
			cp[k] = v
		}
		index[acct] = cp
	}
	return &engineSnapshot{
		closeFactor:          e.closeFactor.Clone(),
		liquidationIncentive: e.liquidationIncentive.Clone(),
		collateralFactors:    factors,
		memberships:          members,
		memberIndex:          index,
	}
}

// Restore reinstates a snapshot taken from this engine. Markets listed after
// the snapshot stay listed (listing is one-way) but restored factors only
// cover snapshotted markets.
func (e *Engine) Restore(snap any) {
	s := snap.(*engineSnapshot)
	e.closeFactor = s.closeFactor
	e.liquidationIncentive = s.liquidationIncentive
	for sym, f := range s.collateralFactors {
		if rec, ok := e.markets[sym]; ok {
			rec.collateralFactor = f
		}
	}
	e.memberships = s.memberships
	e.memberIndex = s.memberIndex
}
