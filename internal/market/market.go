package market

import (
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/rates"
	"LendLedger/internal/risk"
	"LendLedger/internal/token"
)

// Clock supplies timestamps for interest accrual. The core never reads the
// wall clock directly; cmd wires a real clock, tests drive a manual one.
type Clock interface {
	Now() int64
}

// Authorizer is the risk-engine surface a market consults before mutating
// balances. Held by interface so tests can substitute an always-allow or
// always-reject engine.
type Authorizer interface {
	AuthorizeMint(account token.Address, symbol string, amount *big.Int) error
	AuthorizeRedeem(account token.Address, symbol string, shares *big.Int) error
	AuthorizeBorrow(account token.Address, symbol string, amount *big.Int) error
	AuthorizeRepay(account token.Address, symbol string, amount *big.Int) error
	AuthorizeLiquidate(borrower token.Address, repaySymbol, collateralSymbol string, repayAmount *big.Int) (*big.Int, error)
	AuthorizeSeize(collateralSymbol, seizerSymbol string) error
}

// borrowSnapshot is the stored per-account borrow state: raw principal plus
// the borrow index at the time of the last borrow/repay. Current balance is
// principal * currentIndex / snapshotIndex.
type borrowSnapshot struct {
	principal     *big.Int
	interestIndex fpmath.Exp
}

// Config describes one listed market.
type Config struct {
	// Symbol of the market token itself, e.g. "cUSDC".
	Symbol string
	// Underlying asset ledger.
	Underlying token.Token
	// InitialExchangeRate mantissa used while no shares exist. For an
	// underlying with d decimals a 1:1 launch rate is 1e18 / 10^(18-d)
	// relative to 18-decimal shares; the original suite passes it directly.
	InitialExchangeRate *big.Int
	// ReserveFactor mantissa: the protocol's share of accrued interest.
	ReserveFactor *big.Int
}

// Token is one lending market: it custodies underlying cash under its own
// address, issues shares against it, and owns the borrow ledger. Every
// state-changing entry point accrues interest first and consults the risk
// engine before touching balances.
type Token struct {
	symbol     string
	addr       token.Address
	underlying token.Token
	engine     Authorizer
	model      rates.Model
	clock      Clock

	totalShares *big.Int
	shares      map[token.Address]*big.Int

	borrows       map[token.Address]*borrowSnapshot
	totalBorrows  *big.Int
	totalReserves *big.Int
	borrowIndex   fpmath.Exp

	reserveFactor       fpmath.Exp
	initialExchangeRate fpmath.Exp
	accrualTime         int64
}

func New(cfg Config, engine Authorizer, model rates.Model, clock Clock) *Token {
	return &Token{
		symbol:              cfg.Symbol,
		addr:                token.Address("market:" + cfg.Symbol),
		underlying:          cfg.Underlying,
		engine:              engine,
		model:               model,
		clock:               clock,
		totalShares:         big.NewInt(0),
		shares:              make(map[token.Address]*big.Int),
		borrows:             make(map[token.Address]*borrowSnapshot),
		totalBorrows:        big.NewInt(0),
		totalReserves:       big.NewInt(0),
		borrowIndex:         fpmath.OneExp(),
		reserveFactor:       fpmath.NewExp(new(big.Int).Set(cfg.ReserveFactor)),
		initialExchangeRate: fpmath.NewExp(new(big.Int).Set(cfg.InitialExchangeRate)),
		accrualTime:         clock.Now(),
	}
}

func (m *Token) Symbol() string            { return m.symbol }
func (m *Token) Address() token.Address    { return m.addr }
func (m *Token) Underlying() token.Token   { return m.underlying }
func (m *Token) TotalShares() *big.Int     { return new(big.Int).Set(m.totalShares) }
func (m *Token) TotalBorrows() *big.Int    { return new(big.Int).Set(m.totalBorrows) }
func (m *Token) TotalReserves() *big.Int   { return new(big.Int).Set(m.totalReserves) }
func (m *Token) BorrowIndex() fpmath.Exp   { return m.borrowIndex.Clone() }
func (m *Token) AccrualTimestamp() int64   { return m.accrualTime }

// Cash is the market's underlying holding: the `totalCash` of the data
// model, read from the underlying ledger rather than tracked separately.
func (m *Token) Cash() *big.Int {
	return m.underlying.BalanceOf(m.addr)
}

// ShareBalance returns the account's share holding.
func (m *Token) ShareBalance(account token.Address) *big.Int {
	if s, ok := m.shares[account]; ok {
		return new(big.Int).Set(s)
	}
	return big.NewInt(0)
}

// ExchangeRateStored is the current share→underlying rate without accruing:
// (cash + borrows - reserves) / totalShares, or the initial rate while no
// shares exist. Monotonically non-decreasing across accruals.
func (m *Token) ExchangeRateStored() fpmath.Exp {
	if m.totalShares.Sign() == 0 {
		return m.initialExchangeRate.Clone()
	}
	num := new(big.Int).Add(m.Cash(), m.totalBorrows)
	num.Sub(num, m.totalReserves)
	return fpmath.NewExp(fpmath.DivScalarByExpTruncate(num, fpmath.NewExp(m.totalShares)))
}

// BorrowBalanceStored returns the account's debt at the stored borrow index.
func (m *Token) BorrowBalanceStored(account token.Address) *big.Int {
	snap, ok := m.borrows[account]
	if !ok || snap.principal.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(snap.principal, m.borrowIndex.Mantissa)
	return num.Quo(num, snap.interestIndex.Mantissa)
}

// BorrowBalanceCurrent accrues interest, then returns the account's debt.
// This is the read liquidators use to size a close-factor repay.
func (m *Token) BorrowBalanceCurrent(account token.Address) (*big.Int, error) {
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	return m.BorrowBalanceStored(account), nil
}

// AccountSnapshot implements risk.Market: a pure read of shares, stored
// borrow balance, and stored exchange rate.
func (m *Token) AccountSnapshot(account token.Address) (*big.Int, *big.Int, fpmath.Exp) {
	return m.ShareBalance(account), m.BorrowBalanceStored(account), m.ExchangeRateStored()
}

// BorrowRatePerSecond exposes the model's current borrow rate.
func (m *Token) BorrowRatePerSecond() fpmath.Exp {
	return m.model.BorrowRatePerSecond(m.Cash(), m.totalBorrows, m.totalReserves)
}

// SupplyRatePerSecond exposes the model's current supply rate.
func (m *Token) SupplyRatePerSecond() fpmath.Exp {
	return m.model.SupplyRatePerSecond(m.Cash(), m.totalBorrows, m.totalReserves, m.reserveFactor)
}

// AccrueInterest rolls the borrow ledger forward to the current timestamp:
//
//	interest    = borrowRate * elapsed * totalBorrows
//	reserves   += reserveFactor * interest
//	borrowIndex = borrowIndex * (1 + borrowRate*elapsed)
//
// Idempotent within one timestamp. Runs at the top of every state-changing
// entry point so solvency is always judged against current interest.
func (m *Token) AccrueInterest() error {
	now := m.clock.Now()
	if now == m.accrualTime {
		return nil
	}
	if now < m.accrualTime {
		return risk.Errf(risk.CodeInvalidParameter, "market.AccrueInterest",
			"%s: clock went backwards (%d < %d)", m.symbol, now, m.accrualTime)
	}

	elapsed := big.NewInt(now - m.accrualTime)
	rate := m.model.BorrowRatePerSecond(m.Cash(), m.totalBorrows, m.totalReserves)

	// simpleInterestFactor = rate * elapsed (mantissa)
	factor := fpmath.MulScalar(rate, elapsed)
	interest := fpmath.MulScalarTruncate(factor, m.totalBorrows)

	m.totalBorrows.Add(m.totalBorrows, interest)
	m.totalReserves.Add(m.totalReserves, fpmath.MulScalarTruncate(m.reserveFactor, interest))
	m.borrowIndex = fpmath.AddExp(m.borrowIndex, fpmath.MulExp(factor, m.borrowIndex))
	m.accrualTime = now
	return nil
}
