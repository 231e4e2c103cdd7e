package testutil

import (
	"math/big"
	"os"
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
	"LendLedger/internal/rates"
	"LendLedger/internal/risk"
	"LendLedger/internal/token"
	"LendLedger/internal/txn"
)

// ManualClock drives interest accrual deterministically in tests.
type ManualClock struct {
	T int64
}

func (c *ManualClock) Now() int64        { return c.T }
func (c *ManualClock) Advance(sec int64) { c.T += sec }

// Units returns n * 10^decimals, the native amount of n whole tokens.
func Units(n int64, decimals uint) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return scale.Mul(scale, big.NewInt(n))
}

// Mantissa returns n * 1e18.
func Mantissa(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.ExpScale)
}

// MantissaFrac returns num/den scaled by 1e18.
func MantissaFrac(num, den int64) *big.Int {
	m := new(big.Int).Mul(big.NewInt(num), fpmath.ExpScale)
	return m.Quo(m, big.NewInt(den))
}

// Authority is the admin credential shared by test scenarios.
const Authority = risk.Authority("test-authority")

// Scenario is the two-market fixture mirroring the reference liquidation
// setup: USDC (6 decimals, $1) borrowed against UNI (18 decimals, $10)
// collateral at a 0.5 collateral factor.
type Scenario struct {
	Clock  *ManualClock
	Oracle *oracle.SimpleOracle
	Engine *risk.Engine

	USDC *token.StandardToken
	UNI  *token.StandardToken

	CUSDC *market.Token
	CUNI  *market.Token
}

// OracleAuthority is the price-setter credential for scenario oracles.
const OracleAuthority = oracle.Authority("test-authority")

// NewScenario builds the fixture with zero-interest markets. Prices are
// decimal-normalized: USDC carries 1e18*1e12 so 6-decimal amounts value
// correctly against 18-decimal UNI.
func NewScenario(t *testing.T) *Scenario {
	t.Helper()

	clock := &ManualClock{T: 1_000_000}
	simple := oracle.NewSimpleOracle(OracleAuthority)
	engine := risk.NewEngine(Authority)
	if err := engine.SetPriceOracle(Authority, simple); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	usdc := token.NewStandardToken("USDC", 6)
	uni := token.NewStandardToken("UNI", 18)

	model := rates.NewWhitePaperModel(big.NewInt(0), big.NewInt(0))

	cusdc := market.New(market.Config{
		Symbol:              "cUSDC",
		Underlying:          usdc,
		InitialExchangeRate: Units(1, 6),
		ReserveFactor:       big.NewInt(0),
	}, engine, model, clock)

	cuni := market.New(market.Config{
		Symbol:              "cUNI",
		Underlying:          uni,
		InitialExchangeRate: Units(1, 18),
		ReserveFactor:       big.NewInt(0),
	}, engine, model, clock)

	mustNoErr(t, engine.ListMarket(Authority, cusdc))
	mustNoErr(t, engine.ListMarket(Authority, cuni))

	// USDC price: $1 with the 10^12 decimal-normalization shift.
	usdcPrice := new(big.Int).Mul(Mantissa(1), Units(1, 12))
	mustNoErr(t, simple.SetUnderlyingPrice(OracleAuthority, "cUSDC", usdcPrice))
	mustNoErr(t, simple.SetUnderlyingPrice(OracleAuthority, "cUNI", Mantissa(10)))

	mustNoErr(t, engine.SetCollateralFactor(Authority, "cUNI", MantissaFrac(1, 2)))
	mustNoErr(t, engine.SetCloseFactor(Authority, MantissaFrac(1, 2)))
	mustNoErr(t, engine.SetLiquidationIncentive(Authority, MantissaFrac(108, 100)))

	return &Scenario{
		Clock:  clock,
		Oracle: simple,
		Engine: engine,
		USDC:   usdc,
		UNI:    uni,
		CUSDC:  cusdc,
		CUNI:   cuni,
	}
}

// SupplyUSDC mints USDC to the account and deposits it into cUSDC.
func (s *Scenario) SupplyUSDC(t *testing.T, account token.Address, amount *big.Int) {
	t.Helper()
	s.USDC.Mint(account, amount)
	mustNoErr(t, s.USDC.Approve(account, s.CUSDC.Address(), amount))
	if _, err := s.CUSDC.Mint(account, amount); err != nil {
		t.Fatalf("supply USDC: %v", err)
	}
}

// SupplyUNI mints UNI to the account, deposits it into cUNI, and enters the
// market as collateral.
func (s *Scenario) SupplyUNI(t *testing.T, account token.Address, amount *big.Int) {
	t.Helper()
	s.UNI.Mint(account, amount)
	mustNoErr(t, s.UNI.Approve(account, s.CUNI.Address(), amount))
	if _, err := s.CUNI.Mint(account, amount); err != nil {
		t.Fatalf("supply UNI: %v", err)
	}
	mustNoErr(t, s.Engine.EnterMarkets(account, []string{"cUNI"}))
}

// UnderwaterBorrower reproduces the reference insolvency: the borrower
// supplies 1000 UNI, borrows 5000 USDC against it, then the UNI price drops
// from $10 to $6.2 leaving positive shortfall.
func (s *Scenario) UnderwaterBorrower(t *testing.T, borrower, supplier token.Address) {
	t.Helper()
	s.SupplyUSDC(t, supplier, Units(5000, 6))
	s.SupplyUNI(t, borrower, Units(1000, 18))
	if err := s.CUSDC.Borrow(borrower, Units(5000, 6)); err != nil {
		t.Fatalf("borrow USDC: %v", err)
	}
	dropped := new(big.Int).Add(Mantissa(6), MantissaFrac(2, 10))
	mustNoErr(t, s.Oracle.SetUnderlyingPrice(OracleAuthority, "cUNI", dropped))
}

// AtomicGroup returns a txn boundary over every state holder in the
// scenario.
func (s *Scenario) AtomicGroup() *txn.Group {
	return txn.NewGroup(s.USDC, s.UNI, s.CUSDC, s.CUNI, s.Engine, s.Oracle)
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("scenario setup: %v", err)
	}
}

// RequireIntegration skips the test unless integration mode is enabled.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}
