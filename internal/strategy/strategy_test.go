package strategy_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"LendLedger/internal/strategy"
	"LendLedger/internal/testutil"
	"LendLedger/internal/token"
)

const (
	bob    = token.Address("bob")
	carol  = token.Address("carol")
	funder = token.Address("funder")
)

type venues struct {
	pool   *strategy.PoolFlashLender
	router *strategy.FixedRateRouter
	liq    *strategy.FlashLiquidator
}

// newVenues wires a 0.09% flash pool and a router quoting the post-drop
// oracle prices, both funded with USDC.
func newVenues(t *testing.T, s *testutil.Scenario, poolCash, routerCash *big.Int) *venues {
	t.Helper()

	pool := strategy.NewPoolFlashLender(s.USDC, 9)
	s.USDC.Mint(funder, poolCash)
	if err := pool.Fund(funder, poolCash); err != nil {
		t.Fatalf("fund pool: %v", err)
	}

	router := strategy.NewFixedRateRouter(0)
	usdcPrice := new(big.Int).Mul(testutil.Mantissa(1), testutil.Units(1, 12))
	if err := router.SetRate("USDC", usdcPrice); err != nil {
		t.Fatalf("rate USDC: %v", err)
	}
	uniPrice := new(big.Int).Add(testutil.Mantissa(6), testutil.MantissaFrac(2, 10))
	if err := router.SetRate("UNI", uniPrice); err != nil {
		t.Fatalf("rate UNI: %v", err)
	}
	if routerCash.Sign() > 0 {
		s.USDC.Mint(funder, routerCash)
		if err := router.Fund(s.USDC, funder, routerCash); err != nil {
			t.Fatalf("fund router: %v", err)
		}
	}

	liq, err := strategy.NewFlashLiquidator(strategy.Config{
		Lender:     pool,
		Router:     router,
		Borrowed:   s.CUSDC,
		Collateral: s.CUNI,
		Boundary:   s.AtomicGroup(),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new liquidator: %v", err)
	}
	return &venues{pool: pool, router: router, liq: liq}
}

func TestFlashLiquidation(t *testing.T) {
	s := testutil.NewScenario(t)
	s.UnderwaterBorrower(t, bob, carol)
	v := newVenues(t, s, testutil.Units(10000, 6), testutil.Units(10000, 6))

	poolCashBefore := v.pool.Cash()
	repay := testutil.Units(2500, 6)

	res, err := v.liq.Execute(bob, repay)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 2500 USD repaid * 1.08 incentive / $6.2 per UNI at a 1.0 exchange rate.
	wantSeize, _ := new(big.Int).SetString("435483870967741935483", 10)
	if res.SeizedShares.Cmp(wantSeize) != 0 {
		t.Fatalf("seized = %s, want %s", res.SeizedShares, wantSeize)
	}
	if res.CollateralSold.Cmp(wantSeize) != 0 {
		t.Fatalf("collateral sold = %s, want %s", res.CollateralSold, wantSeize)
	}
	// 435.48... UNI at $6.2 is $2699.999999994; six-decimal USDC truncates
	// to 2699.999999.
	wantProceeds := big.NewInt(2_699_999_999)
	if res.Proceeds.Cmp(wantProceeds) != 0 {
		t.Fatalf("proceeds = %s, want %s", res.Proceeds, wantProceeds)
	}
	wantPremium := big.NewInt(2_250_000)
	if res.Premium.Cmp(wantPremium) != 0 {
		t.Fatalf("premium = %s, want %s", res.Premium, wantPremium)
	}
	wantProfit := big.NewInt(197_749_999)
	if res.Profit.Cmp(wantProfit) != 0 {
		t.Fatalf("profit = %s, want %s", res.Profit, wantProfit)
	}
	if got := s.USDC.BalanceOf(v.liq.Address()); got.Cmp(wantProfit) != 0 {
		t.Fatalf("strategy balance = %s, want %s", got, wantProfit)
	}

	// Pool got its principal back plus the premium.
	wantPool := new(big.Int).Add(poolCashBefore, wantPremium)
	if got := v.pool.Cash(); got.Cmp(wantPool) != 0 {
		t.Fatalf("pool cash = %s, want %s", got, wantPool)
	}

	// Borrower's debt is halved; the seized shares moved through the
	// strategy and out of the market.
	debt, err := s.CUSDC.BorrowBalanceCurrent(bob)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if debt.Cmp(testutil.Units(2500, 6)) != 0 {
		t.Fatalf("remaining debt = %s", debt)
	}
	wantShares := new(big.Int).Sub(testutil.Units(1000, 18), wantSeize)
	if got := s.CUNI.ShareBalance(bob); got.Cmp(wantShares) != 0 {
		t.Fatalf("borrower shares = %s, want %s", got, wantShares)
	}
}

func TestFlashLiquidationRollsBackOnSwapFailure(t *testing.T) {
	s := testutil.NewScenario(t)
	s.UnderwaterBorrower(t, bob, carol)
	// Router holds no USDC: the swap leg must fail mid-execution.
	v := newVenues(t, s, testutil.Units(10000, 6), big.NewInt(0))

	poolCashBefore := v.pool.Cash()

	_, err := v.liq.Execute(bob, testutil.Units(2500, 6))
	if !errors.Is(err, strategy.ErrInsufficientInventory) {
		t.Fatalf("want inventory error, got %v", err)
	}

	// Everything the attempt touched is back where it started.
	debt, berr := s.CUSDC.BorrowBalanceCurrent(bob)
	if berr != nil {
		t.Fatalf("borrow balance: %v", berr)
	}
	if debt.Cmp(testutil.Units(5000, 6)) != 0 {
		t.Fatalf("debt = %s after rollback, want 5000e6", debt)
	}
	if got := s.CUNI.ShareBalance(bob); got.Cmp(testutil.Units(1000, 18)) != 0 {
		t.Fatalf("borrower shares = %s after rollback", got)
	}
	if got := v.pool.Cash(); got.Cmp(poolCashBefore) != 0 {
		t.Fatalf("pool cash = %s after rollback, want %s", got, poolCashBefore)
	}
	if got := s.USDC.BalanceOf(v.liq.Address()); got.Sign() != 0 {
		t.Fatalf("strategy kept %s after rollback", got)
	}
}

func TestFlashLiquidationRollsBackWhenUnprofitable(t *testing.T) {
	s := testutil.NewScenario(t)
	s.UnderwaterBorrower(t, bob, carol)
	v := newVenues(t, s, testutil.Units(10000, 6), testutil.Units(10000, 6))

	// Collateral sells below the liquidation breakeven: proceeds cannot
	// cover principal plus premium.
	badPrice := new(big.Int).Add(testutil.Mantissa(5), testutil.MantissaFrac(7, 10))
	if err := v.router.SetRate("UNI", badPrice); err != nil {
		t.Fatalf("set rate: %v", err)
	}

	_, err := v.liq.Execute(bob, testutil.Units(2500, 6))
	if !errors.Is(err, strategy.ErrLoanNotRepaid) {
		t.Fatalf("want loan-not-repaid, got %v", err)
	}
	debt, berr := s.CUSDC.BorrowBalanceCurrent(bob)
	if berr != nil {
		t.Fatalf("borrow balance: %v", berr)
	}
	if debt.Cmp(testutil.Units(5000, 6)) != 0 {
		t.Fatalf("debt = %s after rollback", debt)
	}
}

func TestRouterEnforcesMinimumOut(t *testing.T) {
	s := testutil.NewScenario(t)

	// Venue fills 0.5% under its own quote.
	router := strategy.NewFixedRateRouter(50)
	usdcPrice := new(big.Int).Mul(testutil.Mantissa(1), testutil.Units(1, 12))
	if err := router.SetRate("USDC", usdcPrice); err != nil {
		t.Fatalf("rate USDC: %v", err)
	}
	if err := router.SetRate("UNI", testutil.Mantissa(6)); err != nil {
		t.Fatalf("rate UNI: %v", err)
	}
	s.USDC.Mint(funder, testutil.Units(1000, 6))
	if err := router.Fund(s.USDC, funder, testutil.Units(1000, 6)); err != nil {
		t.Fatalf("fund router: %v", err)
	}

	sell := testutil.Units(10, 18)
	s.UNI.Mint(carol, sell)
	if err := s.UNI.Approve(carol, router.Address(), sell); err != nil {
		t.Fatalf("approve: %v", err)
	}

	quote, err := router.Quote(s.UNI, s.USDC, sell)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Cmp(testutil.Units(60, 6)) != 0 {
		t.Fatalf("quote = %s, want 60e6", quote)
	}

	// Demanding the full quote fails: the haircut makes the fill short.
	// Nothing may move on a rejected swap.
	if _, err := router.SwapExactIn(carol, s.UNI, s.USDC, sell, quote); !errors.Is(err, strategy.ErrSlippage) {
		t.Fatalf("want slippage error, got %v", err)
	}
	if got := s.UNI.BalanceOf(carol); got.Cmp(sell) != 0 {
		t.Fatalf("input leg moved on rejected swap: %s", got)
	}
	if got := s.USDC.BalanceOf(carol); got.Sign() != 0 {
		t.Fatalf("output leg moved on rejected swap: %s", got)
	}

	// A minimum at the haircut fill clears.
	wantFill := big.NewInt(59_700_000)
	got, err := router.SwapExactIn(carol, s.UNI, s.USDC, sell, wantFill)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got.Cmp(wantFill) != 0 {
		t.Fatalf("fill = %s, want %s", got, wantFill)
	}
}

func TestFlashLiquidationRollsBackOnExcessiveSlippage(t *testing.T) {
	s := testutil.NewScenario(t)
	s.UnderwaterBorrower(t, bob, carol)

	pool := strategy.NewPoolFlashLender(s.USDC, 9)
	s.USDC.Mint(funder, testutil.Units(10000, 6))
	if err := pool.Fund(funder, testutil.Units(10000, 6)); err != nil {
		t.Fatalf("fund pool: %v", err)
	}

	// Venue fills 0.5% under quote; the strategy only tolerates 0.1%, so
	// the min-out guard fires before any inventory moves.
	router := strategy.NewFixedRateRouter(50)
	usdcPrice := new(big.Int).Mul(testutil.Mantissa(1), testutil.Units(1, 12))
	if err := router.SetRate("USDC", usdcPrice); err != nil {
		t.Fatalf("rate USDC: %v", err)
	}
	uniPrice := new(big.Int).Add(testutil.Mantissa(6), testutil.MantissaFrac(2, 10))
	if err := router.SetRate("UNI", uniPrice); err != nil {
		t.Fatalf("rate UNI: %v", err)
	}
	s.USDC.Mint(funder, testutil.Units(10000, 6))
	if err := router.Fund(s.USDC, funder, testutil.Units(10000, 6)); err != nil {
		t.Fatalf("fund router: %v", err)
	}

	liq, err := strategy.NewFlashLiquidator(strategy.Config{
		Lender:         pool,
		Router:         router,
		Borrowed:       s.CUSDC,
		Collateral:     s.CUNI,
		Boundary:       s.AtomicGroup(),
		MaxSlippageBps: 10,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new liquidator: %v", err)
	}

	poolCashBefore := pool.Cash()
	_, err = liq.Execute(bob, testutil.Units(2500, 6))
	if !errors.Is(err, strategy.ErrSlippage) {
		t.Fatalf("want slippage error, got %v", err)
	}

	debt, berr := s.CUSDC.BorrowBalanceCurrent(bob)
	if berr != nil {
		t.Fatalf("borrow balance: %v", berr)
	}
	if debt.Cmp(testutil.Units(5000, 6)) != 0 {
		t.Fatalf("debt = %s after rollback, want 5000e6", debt)
	}
	if got := s.CUNI.ShareBalance(bob); got.Cmp(testutil.Units(1000, 18)) != 0 {
		t.Fatalf("borrower shares = %s after rollback", got)
	}
	if got := pool.Cash(); got.Cmp(poolCashBefore) != 0 {
		t.Fatalf("pool cash = %s after rollback, want %s", got, poolCashBefore)
	}
	if got := s.USDC.BalanceOf(liq.Address()); got.Sign() != 0 {
		t.Fatalf("strategy kept %s after rollback", got)
	}
}

func TestPoolFlashLender(t *testing.T) {
	s := testutil.NewScenario(t)
	pool := strategy.NewPoolFlashLender(s.USDC, 9)
	s.USDC.Mint(funder, testutil.Units(100, 6))
	if err := pool.Fund(funder, testutil.Units(100, 6)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if got := pool.Fee(testutil.Units(2500, 6)); got.Cmp(big.NewInt(2_250_000)) != 0 {
		t.Fatalf("fee = %s, want 2.25e6", got)
	}

	err := pool.Loan(bob, testutil.Units(200, 6), func() error { return nil })
	if !errors.Is(err, strategy.ErrInsufficientPoolCash) {
		t.Fatalf("want pool-cash error, got %v", err)
	}

	// Borrower repays nothing: the settlement pull fails.
	err = pool.Loan(bob, testutil.Units(50, 6), func() error {
		return s.USDC.Transfer(bob, carol, testutil.Units(50, 6))
	})
	if !errors.Is(err, strategy.ErrLoanNotRepaid) {
		t.Fatalf("want loan-not-repaid, got %v", err)
	}
}
