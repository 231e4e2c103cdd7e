package market_test

import (
	"errors"
	"math/big"
	"testing"

	"LendLedger/internal/market"
	"LendLedger/internal/rates"
	"LendLedger/internal/risk"
	"LendLedger/internal/testutil"
	"LendLedger/internal/token"
)

const (
	alice = token.Address("alice")
	bob   = token.Address("bob")
	carol = token.Address("carol")
)

func wantCode(t *testing.T, err error, code risk.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error code %v, got nil", code)
	}
	if got := risk.CodeOf(err); got != code {
		t.Fatalf("want code %v, got %v (%v)", code, got, err)
	}
}

func TestMintIssuesSharesAtLaunchRate(t *testing.T) {
	s := testutil.NewScenario(t)

	amount := testutil.Units(5000, 6)
	s.USDC.Mint(alice, amount)
	if err := s.USDC.Approve(alice, s.CUSDC.Address(), amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	shares, err := s.CUSDC.Mint(alice, amount)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Launch rate 1e6 normalizes 6-decimal deposits to 18-decimal shares.
	if want := testutil.Units(5000, 18); shares.Cmp(want) != 0 {
		t.Fatalf("shares = %s, want %s", shares, want)
	}
	if got := s.CUSDC.ShareBalance(alice); got.Cmp(shares) != 0 {
		t.Fatalf("share balance = %s, want %s", got, shares)
	}
	if got := s.CUSDC.Cash(); got.Cmp(amount) != 0 {
		t.Fatalf("market cash = %s, want %s", got, amount)
	}
	if got := s.USDC.BalanceOf(alice); got.Sign() != 0 {
		t.Fatalf("minter kept %s underlying", got)
	}
}

func TestMintWithoutApprovalLeavesMarketUntouched(t *testing.T) {
	s := testutil.NewScenario(t)

	s.USDC.Mint(alice, testutil.Units(100, 6))
	_, err := s.CUSDC.Mint(alice, testutil.Units(100, 6))
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("want allowance error, got %v", err)
	}
	if s.CUSDC.TotalShares().Sign() != 0 {
		t.Fatal("failed mint must not issue shares")
	}
	if s.CUSDC.Cash().Sign() != 0 {
		t.Fatal("failed mint must not move cash")
	}
}

func TestRedeemRoundTripConservesUnderlying(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, alice, testutil.Units(1000, 6))

	shares := s.CUSDC.ShareBalance(alice)
	amount, err := s.CUSDC.Redeem(alice, shares)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if want := testutil.Units(1000, 6); amount.Cmp(want) != 0 {
		t.Fatalf("redeemed %s, want %s", amount, want)
	}
	if got := s.USDC.BalanceOf(alice); got.Cmp(testutil.Units(1000, 6)) != 0 {
		t.Fatalf("alice balance = %s, want full round trip", got)
	}
	if s.CUSDC.TotalShares().Sign() != 0 {
		t.Fatalf("total shares = %s after full redeem", s.CUSDC.TotalShares())
	}
}

func TestRedeemRejectsOverdraws(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, alice, testutil.Units(100, 6))

	over := new(big.Int).Add(s.CUSDC.ShareBalance(alice), big.NewInt(1))
	_, err := s.CUSDC.Redeem(alice, over)
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("want balance error, got %v", err)
	}
}

func TestRedeemBlockedWhileBackingDebt(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(5000, 6))
	s.SupplyUNI(t, alice, testutil.Units(1000, 18))

	// $10,000 of UNI at CF 0.5 backs exactly $5000 of debt.
	if err := s.CUSDC.Borrow(alice, testutil.Units(5000, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	_, err := s.CUNI.Redeem(alice, testutil.Units(1, 18))
	wantCode(t, err, risk.CodeInsufficientLiquidity)

	// Shares in excess of the requirement redeem fine once debt shrinks.
	if err := s.USDC.Approve(alice, s.CUSDC.Address(), testutil.Units(2500, 6)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.CUSDC.RepayBorrow(alice, testutil.Units(2500, 6)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := s.CUNI.Redeem(alice, testutil.Units(500, 18)); err != nil {
		t.Fatalf("redeem freed collateral: %v", err)
	}
}

func TestBorrowAgainstCollateral(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(10000, 6))
	s.SupplyUNI(t, alice, testutil.Units(1000, 18))

	// Headroom is $5000; a dollar more is refused.
	err := s.CUSDC.Borrow(alice, testutil.Units(5001, 6))
	wantCode(t, err, risk.CodeInsufficientLiquidity)

	if err := s.CUSDC.Borrow(alice, testutil.Units(5000, 6)); err != nil {
		t.Fatalf("borrow at headroom: %v", err)
	}
	if got := s.USDC.BalanceOf(alice); got.Cmp(testutil.Units(5000, 6)) != 0 {
		t.Fatalf("borrower received %s", got)
	}
	if got := s.CUSDC.TotalBorrows(); got.Cmp(testutil.Units(5000, 6)) != 0 {
		t.Fatalf("total borrows = %s", got)
	}
	bal, err := s.CUSDC.BorrowBalanceCurrent(alice)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if bal.Cmp(testutil.Units(5000, 6)) != 0 {
		t.Fatalf("borrow balance = %s", bal)
	}
}

func TestBorrowRequiresCash(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(100, 6))
	s.SupplyUNI(t, alice, testutil.Units(1000, 18))

	// Solvency allows $5000 but the market only holds $100.
	err := s.CUSDC.Borrow(alice, testutil.Units(200, 6))
	wantCode(t, err, risk.CodeInsufficientCash)
}

func TestRepayOverpaymentHardFails(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(5000, 6))
	s.SupplyUNI(t, alice, testutil.Units(1000, 18))
	if err := s.CUSDC.Borrow(alice, testutil.Units(1000, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	over := testutil.Units(1001, 6)
	s.USDC.Mint(alice, over)
	if err := s.USDC.Approve(alice, s.CUSDC.Address(), over); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err := s.CUSDC.RepayBorrow(alice, over)
	wantCode(t, err, risk.CodeRepayExceedsDebt)
	if got := s.CUSDC.TotalBorrows(); got.Cmp(testutil.Units(1000, 6)) != 0 {
		t.Fatalf("failed repay mutated total borrows: %s", got)
	}

	// Exact repayment closes the position.
	if err := s.CUSDC.RepayBorrow(alice, testutil.Units(1000, 6)); err != nil {
		t.Fatalf("exact repay: %v", err)
	}
	bal, err := s.CUSDC.BorrowBalanceCurrent(alice)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("borrow balance = %s after full repay", bal)
	}
	if s.CUSDC.TotalBorrows().Sign() != 0 {
		t.Fatalf("total borrows = %s after full repay", s.CUSDC.TotalBorrows())
	}
}

// allowAll is a permissive risk engine for accrual-focused tests.
type allowAll struct{}

func (allowAll) AuthorizeMint(token.Address, string, *big.Int) error   { return nil }
func (allowAll) AuthorizeRedeem(token.Address, string, *big.Int) error { return nil }
func (allowAll) AuthorizeBorrow(token.Address, string, *big.Int) error { return nil }
func (allowAll) AuthorizeRepay(token.Address, string, *big.Int) error  { return nil }
func (allowAll) AuthorizeLiquidate(token.Address, string, string, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (allowAll) AuthorizeSeize(string, string) error { return nil }

func TestAccrueInterest(t *testing.T) {
	clock := &testutil.ManualClock{T: 1000}
	dai := token.NewStandardToken("DAI", 18)
	// Flat 1e-8/s borrow rate, 10% reserve factor.
	model := rates.NewWhitePaperModel(big.NewInt(10_000_000_000), big.NewInt(0))
	m := market.New(market.Config{
		Symbol:              "cDAI",
		Underlying:          dai,
		InitialExchangeRate: testutil.Mantissa(1),
		ReserveFactor:       testutil.MantissaFrac(1, 10),
	}, allowAll{}, model, clock)

	amount := testutil.Units(10, 18)
	dai.Mint(alice, amount)
	if err := dai.Approve(alice, m.Address(), amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := m.Mint(alice, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := m.Borrow(bob, testutil.Units(1, 18)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// 100s at 1e-8/s: simple interest factor 1e-6 on 1e18 borrowed.
	clock.Advance(100)
	if err := m.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	wantInterest := big.NewInt(1_000_000_000_000) // 1e12
	wantBorrows := new(big.Int).Add(testutil.Units(1, 18), wantInterest)
	if got := m.TotalBorrows(); got.Cmp(wantBorrows) != 0 {
		t.Fatalf("total borrows = %s, want %s", got, wantBorrows)
	}
	wantReserves := big.NewInt(100_000_000_000) // 10% of 1e12
	if got := m.TotalReserves(); got.Cmp(wantReserves) != 0 {
		t.Fatalf("reserves = %s, want %s", got, wantReserves)
	}
	wantIndex := new(big.Int).Add(testutil.Mantissa(1), wantInterest)
	if got := m.BorrowIndex(); got.Mantissa.Cmp(wantIndex) != 0 {
		t.Fatalf("borrow index = %s, want %s", got.Mantissa, wantIndex)
	}
	if got := m.BorrowBalanceStored(bob); got.Cmp(wantBorrows) != 0 {
		t.Fatalf("borrow balance = %s, want %s", got, wantBorrows)
	}

	// Same-timestamp accrual is a no-op.
	if err := m.AccrueInterest(); err != nil {
		t.Fatalf("repeat accrue: %v", err)
	}
	if got := m.TotalBorrows(); got.Cmp(wantBorrows) != 0 {
		t.Fatalf("repeat accrue compounded within one timestamp: %s", got)
	}

	// Interest net of reserves flows to suppliers through the exchange rate.
	rate := m.ExchangeRateStored()
	wantRate := new(big.Int).Add(testutil.Mantissa(1), big.NewInt(90_000_000_000)) // 9e11 net over 10 shares
	if rate.Mantissa.Cmp(wantRate) != 0 {
		t.Fatalf("exchange rate = %s, want %s", rate.Mantissa, wantRate)
	}

	clock.T -= 500
	wantCode(t, m.AccrueInterest(), risk.CodeInvalidParameter)
}

func TestLiquidateBorrow(t *testing.T) {
	s := testutil.NewScenario(t)
	s.UnderwaterBorrower(t, bob, carol)

	repay := testutil.Units(2500, 6)
	s.USDC.Mint(alice, repay)
	if err := s.USDC.Approve(alice, s.CUSDC.Address(), repay); err != nil {
		t.Fatalf("approve: %v", err)
	}

	borrowerSharesBefore := s.CUNI.ShareBalance(bob)
	seized, err := s.CUSDC.LiquidateBorrow(alice, bob, repay, s.CUNI)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// 2500 USD * 1.08 / 6.2 UNI-per-USD at a 1.0 exchange rate.
	wantSeize, _ := new(big.Int).SetString("435483870967741935483", 10)
	if seized.Cmp(wantSeize) != 0 {
		t.Fatalf("seized = %s, want %s", seized, wantSeize)
	}
	if got := s.CUNI.ShareBalance(alice); got.Cmp(wantSeize) != 0 {
		t.Fatalf("liquidator shares = %s, want %s", got, wantSeize)
	}
	wantRemaining := new(big.Int).Sub(borrowerSharesBefore, wantSeize)
	if got := s.CUNI.ShareBalance(bob); got.Cmp(wantRemaining) != 0 {
		t.Fatalf("borrower shares = %s, want %s", got, wantRemaining)
	}
	bal, err := s.CUSDC.BorrowBalanceCurrent(bob)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if bal.Cmp(testutil.Units(2500, 6)) != 0 {
		t.Fatalf("remaining debt = %s, want 2500e6", bal)
	}
	// Seizing never mints or burns: total shares are untouched.
	if got := s.CUNI.TotalShares(); got.Cmp(testutil.Units(1000, 18)) != 0 {
		t.Fatalf("total shares = %s", got)
	}
}

func TestLiquidateBorrowRejections(t *testing.T) {
	s := testutil.NewScenario(t)
	s.UnderwaterBorrower(t, bob, carol)

	_, err := s.CUSDC.LiquidateBorrow(bob, bob, testutil.Units(100, 6), s.CUNI)
	wantCode(t, err, risk.CodeInvalidParameter)

	// Close factor 0.5 of a 5000 debt caps the repay at 2500.
	_, err = s.CUSDC.LiquidateBorrow(alice, bob, testutil.Units(2501, 6), s.CUNI)
	wantCode(t, err, risk.CodeTooMuchRepay)
}

func TestLiquidateHealthyBorrowerRejected(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(5000, 6))
	s.SupplyUNI(t, bob, testutil.Units(1000, 18))
	if err := s.CUSDC.Borrow(bob, testutil.Units(1000, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, err := s.CUSDC.LiquidateBorrow(alice, bob, testutil.Units(500, 6), s.CUNI)
	wantCode(t, err, risk.CodeBorrowerHealthy)
}

func TestSeizeRequiresSiblingMarket(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUNI(t, bob, testutil.Units(10, 18))

	// A market under a different risk engine must not be able to seize.
	foreignEngine := risk.NewEngine(testutil.Authority)
	foreign := market.New(market.Config{
		Symbol:              "cEVIL",
		Underlying:          token.NewStandardToken("EVIL", 18),
		InitialExchangeRate: testutil.Mantissa(1),
		ReserveFactor:       big.NewInt(0),
	}, foreignEngine, rates.NewWhitePaperModel(big.NewInt(0), big.NewInt(0)), s.Clock)

	err := s.CUNI.Seize(foreign, bob, alice, testutil.Units(1, 18))
	wantCode(t, err, risk.CodeUnauthorized)
	if got := s.CUNI.ShareBalance(bob); got.Cmp(testutil.Units(10, 18)) != 0 {
		t.Fatalf("failed seize moved shares: %s", got)
	}
}

func TestTransferSharesGatedLikeRedeem(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(5000, 6))
	s.SupplyUNI(t, alice, testutil.Units(1000, 18))
	if err := s.CUSDC.Borrow(alice, testutil.Units(5000, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	err := s.CUNI.TransferShares(alice, bob, testutil.Units(1, 18))
	wantCode(t, err, risk.CodeInsufficientLiquidity)

	// Unpledged shares move freely.
	s.SupplyUNI(t, carol, testutil.Units(5, 18))
	if err := s.CUNI.TransferShares(carol, bob, testutil.Units(5, 18)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := s.CUNI.ShareBalance(bob); got.Cmp(testutil.Units(5, 18)) != 0 {
		t.Fatalf("recipient shares = %s", got)
	}
}

func TestMarketSnapshotRestore(t *testing.T) {
	s := testutil.NewScenario(t)
	s.SupplyUSDC(t, carol, testutil.Units(5000, 6))
	s.SupplyUNI(t, alice, testutil.Units(1000, 18))

	snap := s.CUSDC.Snapshot()

	if err := s.CUSDC.Borrow(alice, testutil.Units(1000, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if s.CUSDC.TotalBorrows().Sign() == 0 {
		t.Fatal("borrow did not register")
	}

	s.CUSDC.Restore(snap)

	if s.CUSDC.TotalBorrows().Sign() != 0 {
		t.Fatalf("total borrows = %s after restore", s.CUSDC.TotalBorrows())
	}
	if got := s.CUSDC.BorrowBalanceStored(alice); got.Sign() != 0 {
		t.Fatalf("borrow balance = %s after restore", got)
	}
	// The restore covers market books only; the underlying ledger snapshots
	// itself separately.
	if got := s.USDC.BalanceOf(alice); got.Cmp(testutil.Units(1000, 6)) != 0 {
		t.Fatalf("underlying balance = %s", got)
	}
}
