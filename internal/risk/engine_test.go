package risk_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/risk"
	"LendLedger/internal/token"
)

const (
	admin       = risk.Authority("admin")
	stranger    = risk.Authority("stranger")
	priceSetter = oracle.Authority("admin")
)

// fakeMarket is a minimal risk.Market: fixed balances, no accrual.
type fakeMarket struct {
	symbol  string
	shares  map[token.Address]*big.Int
	borrows map[token.Address]*big.Int
	rate    fpmath.Exp
}

func newFakeMarket(symbol string, rate *big.Int) *fakeMarket {
	return &fakeMarket{
		symbol:  symbol,
		shares:  make(map[token.Address]*big.Int),
		borrows: make(map[token.Address]*big.Int),
		rate:    fpmath.NewExp(rate),
	}
}

func (f *fakeMarket) Symbol() string { return f.symbol }

func (f *fakeMarket) AccountSnapshot(account token.Address) (*big.Int, *big.Int, fpmath.Exp) {
	shares := big.NewInt(0)
	if s, ok := f.shares[account]; ok {
		shares = new(big.Int).Set(s)
	}
	borrow := big.NewInt(0)
	if b, ok := f.borrows[account]; ok {
		borrow = new(big.Int).Set(b)
	}
	return shares, borrow, f.rate.Clone()
}

func mantissa(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.ExpScale)
}

func mantissaFrac(num, den int64) *big.Int {
	m := new(big.Int).Mul(big.NewInt(num), fpmath.ExpScale)
	return m.Quo(m, big.NewInt(den))
}

// fixture: two 18-decimal markets, mA at $1 with CF 0.5, mB at $1.
func newEngineFixture(t *testing.T) (*risk.Engine, *fakeMarket, *fakeMarket) {
	t.Helper()
	e := risk.NewEngine(admin)
	o := oracle.NewSimpleOracle(priceSetter)
	if err := e.SetPriceOracle(admin, o); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	mA := newFakeMarket("mA", mantissa(1))
	mB := newFakeMarket("mB", mantissa(1))
	for _, m := range []*fakeMarket{mA, mB} {
		if err := e.ListMarket(admin, m); err != nil {
			t.Fatalf("list %s: %v", m.symbol, err)
		}
		if err := o.SetUnderlyingPrice(priceSetter, m.symbol, mantissa(1)); err != nil {
			t.Fatalf("price %s: %v", m.symbol, err)
		}
	}
	if err := e.SetCollateralFactor(admin, "mA", mantissaFrac(1, 2)); err != nil {
		t.Fatalf("collateral factor: %v", err)
	}
	if err := e.SetCloseFactor(admin, mantissaFrac(1, 2)); err != nil {
		t.Fatalf("close factor: %v", err)
	}
	if err := e.SetLiquidationIncentive(admin, mantissaFrac(108, 100)); err != nil {
		t.Fatalf("incentive: %v", err)
	}
	return e, mA, mB
}

func wantCode(t *testing.T, err error, code risk.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error code %v, got nil", code)
	}
	if got := risk.CodeOf(err); got != code {
		t.Fatalf("want code %v, got %v (%v)", code, got, err)
	}
}

func TestAuthorityGatesConfiguration(t *testing.T) {
	e, _, _ := newEngineFixture(t)

	cases := []struct {
		name string
		call func() error
	}{
		{"list", func() error { return e.ListMarket(stranger, newFakeMarket("mC", mantissa(1))) }},
		{"oracle", func() error { return e.SetPriceOracle(stranger, oracle.NewSimpleOracle(priceSetter)) }},
		{"collateralFactor", func() error { return e.SetCollateralFactor(stranger, "mA", mantissaFrac(1, 2)) }},
		{"closeFactor", func() error { return e.SetCloseFactor(stranger, mantissaFrac(1, 2)) }},
		{"incentive", func() error { return e.SetLiquidationIncentive(stranger, mantissa(1)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantCode(t, tc.call(), risk.CodeUnauthorized)
		})
	}
}

func TestListMarketRejectsDuplicate(t *testing.T) {
	e, mA, _ := newEngineFixture(t)
	wantCode(t, e.ListMarket(admin, mA), risk.CodeAlreadyListed)
}

func TestParameterRanges(t *testing.T) {
	e, _, _ := newEngineFixture(t)

	wantCode(t, e.SetCollateralFactor(admin, "mZ", mantissaFrac(1, 2)), risk.CodeMarketNotListed)
	wantCode(t, e.SetCollateralFactor(admin, "mA", mantissa(1)), risk.CodeInvalidParameter)
	wantCode(t, e.SetCollateralFactor(admin, "mA", big.NewInt(-1)), risk.CodeInvalidParameter)
	if err := e.SetCollateralFactor(admin, "mA", big.NewInt(0)); err != nil {
		t.Fatalf("zero collateral factor should be valid: %v", err)
	}

	wantCode(t, e.SetCloseFactor(admin, big.NewInt(0)), risk.CodeInvalidParameter)
	wantCode(t, e.SetCloseFactor(admin, new(big.Int).Add(mantissa(1), big.NewInt(1))), risk.CodeInvalidParameter)
	if err := e.SetCloseFactor(admin, mantissa(1)); err != nil {
		t.Fatalf("close factor of exactly 1 should be valid: %v", err)
	}

	wantCode(t, e.SetLiquidationIncentive(admin, mantissaFrac(99, 100)), risk.CodeInvalidParameter)
	if err := e.SetLiquidationIncentive(admin, mantissa(1)); err != nil {
		t.Fatalf("incentive of exactly 1 should be valid: %v", err)
	}
}

func TestEnterMarkets(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	acct := token.Address("alice")

	// One unlisted symbol fails the whole call, including the listed one.
	wantCode(t, e.EnterMarkets(acct, []string{"mA", "mZ"}), risk.CodeMarketNotListed)
	if got := e.Membership(acct); len(got) != 0 {
		t.Fatalf("failed enter must not record membership, got %v", got)
	}

	if err := e.EnterMarkets(acct, []string{"mA", "mB", "mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	got := e.Membership(acct)
	if len(got) != 2 || got[0] != "mA" || got[1] != "mB" {
		t.Fatalf("membership = %v, want [mA mB]", got)
	}

	// Re-entering is a no-op.
	if err := e.EnterMarkets(acct, []string{"mB"}); err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	if got := e.Membership(acct); len(got) != 2 {
		t.Fatalf("re-enter duplicated membership: %v", got)
	}
}

func TestExitMarket(t *testing.T) {
	e, mA, mB := newEngineFixture(t)
	acct := token.Address("alice")

	mA.shares[acct] = mantissa(100) // $100 collateral at CF 0.5 => $50 power
	if err := e.EnterMarkets(acct, []string{"mA", "mB"}); err != nil {
		t.Fatalf("enter: %v", err)
	}

	// Outstanding borrow in the exited market blocks the exit.
	mB.borrows[acct] = mantissa(10)
	wantCode(t, e.ExitMarket(acct, "mB"), risk.CodeInsufficientLiquidity)
	mB.borrows[acct] = big.NewInt(0)

	// Exiting the collateral market while in debt elsewhere leaves shortfall.
	mB.borrows[acct] = mantissa(40)
	wantCode(t, e.ExitMarket(acct, "mA"), risk.CodeInsufficientLiquidity)

	// Exiting mB is fine once its own borrow is clear; debt in mB still
	// counts against mA collateral afterwards.
	if err := e.ExitMarket(acct, "mB"); err != nil {
		t.Fatalf("exit mB: %v", err)
	}
	snap, err := e.AccountLiquidity(acct)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if snap.Borrowed.Cmp(mantissa(40)) != 0 {
		t.Fatalf("debt must count without membership: borrowed = %s", snap.Borrowed)
	}

	// Exiting a market never entered is a no-op.
	if err := e.ExitMarket(token.Address("bob"), "mA"); err != nil {
		t.Fatalf("exit non-member: %v", err)
	}
}

func TestAccountLiquidity(t *testing.T) {
	e, mA, mB := newEngineFixture(t)
	acct := token.Address("alice")

	// Supply without membership contributes no borrowing power.
	mA.shares[acct] = mantissa(100)
	snap, err := e.AccountLiquidity(acct)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if snap.Collateral.Sign() != 0 {
		t.Fatalf("non-member collateral counted: %s", snap.Collateral)
	}

	if err := e.EnterMarkets(acct, []string{"mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	mB.borrows[acct] = mantissa(30)

	snap, err = e.AccountLiquidity(acct)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if snap.Collateral.Cmp(mantissa(50)) != 0 {
		t.Fatalf("collateral = %s, want 50e18", snap.Collateral)
	}
	if snap.Borrowed.Cmp(mantissa(30)) != 0 {
		t.Fatalf("borrowed = %s, want 30e18", snap.Borrowed)
	}
	if snap.Shortfall.Sign() != 0 {
		t.Fatalf("shortfall = %s, want 0", snap.Shortfall)
	}
	if snap.Liquidity().Cmp(mantissa(20)) != 0 {
		t.Fatalf("liquidity = %s, want 20e18", snap.Liquidity())
	}
}

func TestAuthorizeBorrowHeadroom(t *testing.T) {
	e, mA, _ := newEngineFixture(t)
	acct := token.Address("alice")

	// $100 supplied at a 0.5 collateral factor: $50 of borrowing power.
	mA.shares[acct] = mantissa(100)
	if err := e.EnterMarkets(acct, []string{"mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}

	wantCode(t, e.AuthorizeBorrow(acct, "mB", mantissa(60)), risk.CodeInsufficientLiquidity)
	if err := e.AuthorizeBorrow(acct, "mB", mantissa(50)); err != nil {
		t.Fatalf("borrow at exact headroom must pass: %v", err)
	}
	wantCode(t, e.AuthorizeBorrow(acct, "mZ", mantissa(1)), risk.CodeMarketNotListed)
}

func TestAuthorizeRedeem(t *testing.T) {
	e, mA, mB := newEngineFixture(t)
	acct := token.Address("alice")

	mA.shares[acct] = mantissa(100)

	// Non-member shares never backed anything; redeeming them is free even
	// with debt outstanding.
	mB.borrows[acct] = mantissa(50)
	if err := e.AuthorizeRedeem(acct, "mA", mantissa(100)); err != nil {
		t.Fatalf("non-member redeem: %v", err)
	}

	if err := e.EnterMarkets(acct, []string{"mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	wantCode(t, e.AuthorizeRedeem(acct, "mA", mantissa(100)), risk.CodeInsufficientLiquidity)
	// Redeeming down to exactly the required collateral passes.
	if err := e.AuthorizeRedeem(acct, "mA", big.NewInt(0)); err != nil {
		t.Fatalf("zero redeem: %v", err)
	}
}

func TestAuthorizeLiquidate(t *testing.T) {
	e, mA, mB := newEngineFixture(t)
	borrower := token.Address("bob")

	mA.shares[borrower] = mantissa(100)
	if err := e.EnterMarkets(borrower, []string{"mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	mB.borrows[borrower] = mantissa(40)

	// Collateral $50 vs debt $40: healthy, not liquidatable.
	_, err := e.AuthorizeLiquidate(borrower, "mB", "mA", mantissa(10))
	wantCode(t, err, risk.CodeBorrowerHealthy)

	mB.borrows[borrower] = mantissa(60)

	// Close factor 0.5 caps the repay at $30.
	_, err = e.AuthorizeLiquidate(borrower, "mB", "mA", mantissa(31))
	wantCode(t, err, risk.CodeTooMuchRepay)

	// seize = repay * priceRepay * incentive / (priceColl * rate)
	//       = 30 * 1 * 1.08 / (1 * 1) = 32.4 shares.
	seize, err := e.AuthorizeLiquidate(borrower, "mB", "mA", mantissa(30))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if want := mantissaFrac(324, 10); seize.Cmp(want) != 0 {
		t.Fatalf("seize = %s, want %s", seize, want)
	}
}

func TestZeroPriceBlocksSolvencyReads(t *testing.T) {
	e, mA, _ := newEngineFixture(t)
	acct := token.Address("alice")

	mA.shares[acct] = mantissa(100)
	if err := e.EnterMarkets(acct, []string{"mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}

	// Fresh oracle with no prices: any liquidity read must refuse rather
	// than value the position at zero.
	if err := e.SetPriceOracle(admin, oracle.NewSimpleOracle(priceSetter)); err != nil {
		t.Fatalf("swap oracle: %v", err)
	}
	_, err := e.AccountLiquidity(acct)
	wantCode(t, err, risk.CodeZeroPrice)
	wantCode(t, e.AuthorizeBorrow(acct, "mA", mantissa(1)), risk.CodeZeroPrice)
}

func TestAuthorizeSeize(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	if err := e.AuthorizeSeize("mA", "mB"); err != nil {
		t.Fatalf("sibling seize: %v", err)
	}
	wantCode(t, e.AuthorizeSeize("mA", "mZ"), risk.CodeUnauthorized)
	wantCode(t, e.AuthorizeSeize("mZ", "mA"), risk.CodeUnauthorized)
}

func TestErrorMatching(t *testing.T) {
	err := risk.Errf(risk.CodeTooMuchRepay, "risk.AuthorizeLiquidate", "repay too large")
	if !errors.Is(err, risk.Coded(risk.CodeTooMuchRepay)) {
		t.Fatal("errors.Is must match by code")
	}
	if errors.Is(err, risk.Coded(risk.CodeBorrowerHealthy)) {
		t.Fatal("errors.Is must not match a different code")
	}
}

func TestEngineSnapshotRestore(t *testing.T) {
	e, _, _ := newEngineFixture(t)
	acct := token.Address("alice")
	if err := e.EnterMarkets(acct, []string{"mA"}); err != nil {
		t.Fatalf("enter: %v", err)
	}

	snap := e.Snapshot()

	if err := e.EnterMarkets(acct, []string{"mB"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := e.SetCloseFactor(admin, mantissa(1)); err != nil {
		t.Fatalf("close factor: %v", err)
	}
	if err := e.SetCollateralFactor(admin, "mA", big.NewInt(0)); err != nil {
		t.Fatalf("collateral factor: %v", err)
	}

	e.Restore(snap)

	if got := e.Membership(acct); len(got) != 1 || got[0] != "mA" {
		t.Fatalf("membership after restore = %v, want [mA]", got)
	}
	if e.CloseFactor().Mantissa.Cmp(mantissaFrac(1, 2)) != 0 {
		t.Fatalf("close factor not restored: %s", e.CloseFactor().Mantissa)
	}
	cf, _ := e.CollateralFactor("mA")
	if cf.Mantissa.Cmp(mantissaFrac(1, 2)) != 0 {
		t.Fatalf("collateral factor not restored: %s", cf.Mantissa)
	}
}
