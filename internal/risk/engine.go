package risk

import (
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/token"
)

// Authority is the administrative capability for engine configuration.
// Setters compare it per call; there is no ambient admin state.
type Authority string

// Market is the view the engine needs of a listed market token. The concrete
// type lives in internal/market; the interface breaks the import cycle.
type Market interface {
	Symbol() string

	// AccountSnapshot returns the account's share balance, its stored
	// borrow balance in underlying units, and the current share→underlying
	// exchange-rate mantissa. Must not mutate state: liquidity reads are
	// speculative and run before and after proposed actions.
	AccountSnapshot(account token.Address) (shares, borrowBalance *big.Int, exchangeRate fpmath.Exp)
}

type marketRecord struct {
	market           Market
	collateralFactor fpmath.Exp
}

// Engine owns the market registry, per-account collateral memberships, and
// the cross-market solvency computation. Every balance-changing market
// action consults it first; the engine itself only reads market state.
type Engine struct {
	authority Authority
	prices    oracle.PriceSource

	closeFactor          fpmath.Exp
	liquidationIncentive fpmath.Exp

	markets     map[string]*marketRecord
	marketOrder []string // listing order, for deterministic iteration

	// Ordered membership set per account: slice for iteration order,
	// map for O(1) lookup.
	memberships map[token.Address][]string
	memberIndex map[token.Address]map[string]bool
}

func NewEngine(authority Authority) *Engine {
	return &Engine{
		authority:            authority,
		closeFactor:          fpmath.ZeroExp(),
		liquidationIncentive: fpmath.OneExp(),
		markets:              make(map[string]*marketRecord),
		memberships:          make(map[token.Address][]string),
		memberIndex:          make(map[token.Address]map[string]bool),
	}
}

// --- Administrative configuration ---

func (e *Engine) checkAuthority(auth Authority, op string) error {
	if auth != e.authority {
		return Errf(CodeUnauthorized, op, "caller does not hold the risk authority")
	}
	return nil
}

// ListMarket registers a market. Listing is one-way: markets are never
// removed, and re-listing the same symbol fails.
func (e *Engine) ListMarket(auth Authority, m Market) error {
	const op = "risk.ListMarket"
	if err := e.checkAuthority(auth, op); err != nil {
		return err
	}
	sym := m.Symbol()
	if _, ok := e.markets[sym]; ok {
		return Errf(CodeAlreadyListed, op, "market %s", sym)
	}
	e.markets[sym] = &marketRecord{market: m, collateralFactor: fpmath.ZeroExp()}
	e.marketOrder = append(e.marketOrder, sym)
	return nil
}

// SetPriceOracle swaps the price source used by all solvency math.
func (e *Engine) SetPriceOracle(auth Authority, prices oracle.PriceSource) error {
	const op = "risk.SetPriceOracle"
	if err := e.checkAuthority(auth, op); err != nil {
		return err
	}
	if prices == nil {
		return Errf(CodeInvalidParameter, op, "nil oracle")
	}
	e.prices = prices
	return nil
}

// SetCollateralFactor sets the fraction of a market's value usable as
// borrowing power. Valid range [0, 1): collateral never counts at or above
// face value.
func (e *Engine) SetCollateralFactor(auth Authority, symbol string, factor *big.Int) error {
	const op = "risk.SetCollateralFactor"
	if err := e.checkAuthority(auth, op); err != nil {
		return err
	}
	rec, ok := e.markets[symbol]
	if !ok {
		return Errf(CodeMarketNotListed, op, "market %s", symbol)
	}
	if factor == nil || factor.Sign() < 0 || factor.Cmp(fpmath.ExpScale) >= 0 {
		return Errf(CodeInvalidParameter, op, "collateral factor must be in [0, 1)")
	}
	rec.collateralFactor = fpmath.NewExp(new(big.Int).Set(factor))
	return nil
}

// SetCloseFactor sets the max proportion of a single borrow repayable per
// liquidation call. Valid range (0, 1].
func (e *Engine) SetCloseFactor(auth Authority, factor *big.Int) error {
	const op = "risk.SetCloseFactor"
	if err := e.checkAuthority(auth, op); err != nil {
		return err
	}
	if factor == nil || factor.Sign() <= 0 || factor.Cmp(fpmath.ExpScale) > 0 {
		return Errf(CodeInvalidParameter, op, "close factor must be in (0, 1]")
	}
	e.closeFactor = fpmath.NewExp(new(big.Int).Set(factor))
	return nil
}

// SetLiquidationIncentive sets the seize bonus multiplier. Must be >= 1.
func (e *Engine) SetLiquidationIncentive(auth Authority, incentive *big.Int) error {
	const op = "risk.SetLiquidationIncentive"
	if err := e.checkAuthority(auth, op); err != nil {
		return err
	}
	if incentive == nil || incentive.Cmp(fpmath.ExpScale) < 0 {
		return Errf(CodeInvalidParameter, op, "liquidation incentive must be >= 1")
	}
	e.liquidationIncentive = fpmath.NewExp(new(big.Int).Set(incentive))
	return nil
}

// CloseFactor returns the configured close factor mantissa.
func (e *Engine) CloseFactor() fpmath.Exp { return e.closeFactor.Clone() }

// LiquidationIncentive returns the configured incentive mantissa.
func (e *Engine) LiquidationIncentive() fpmath.Exp { return e.liquidationIncentive.Clone() }

// CollateralFactor returns the factor for a listed market.
func (e *Engine) CollateralFactor(symbol string) (fpmath.Exp, bool) {
	rec, ok := e.markets[symbol]
	if !ok {
		return fpmath.ZeroExp(), false
	}
	return rec.collateralFactor.Clone(), true
}

// IsListed reports whether a market symbol is registered.
func (e *Engine) IsListed(symbol string) bool {
	_, ok := e.markets[symbol]
	return ok
}

// ListedMarkets returns the symbols in listing order.
func (e *Engine) ListedMarkets() []string {
	out := make([]string, len(e.marketOrder))
	copy(out, e.marketOrder)
	return out
}

// --- Collateral membership ---

// EnterMarkets opts the account's supply positions in the given markets into
// its collateral set. Entering an already-entered market is a no-op;
// entering an unlisted one fails the whole call.
func (e *Engine) EnterMarkets(account token.Address, symbols []string) error {
	const op = "risk.EnterMarkets"
	for _, sym := range symbols {
		if _, ok := e.markets[sym]; !ok {
			return Errf(CodeMarketNotListed, op, "market %s", sym)
		}
	}
	for _, sym := range symbols {
		if e.isMember(account, sym) {
			continue
		}
		idx, ok := e.memberIndex[account]
		if !ok {
			idx = make(map[string]bool)
			e.memberIndex[account] = idx
		}
		idx[sym] = true
		e.memberships[account] = append(e.memberships[account], sym)
	}
	return nil
}

// ExitMarket removes a market from the account's collateral set. Rejected
// while the account has an outstanding borrow in that market, or when the
// remaining collateral would not cover the account's debt.
func (e *Engine) ExitMarket(account token.Address, symbol string) error {
	const op = "risk.ExitMarket"
	rec, ok := e.markets[symbol]
	if !ok {
		return Errf(CodeMarketNotListed, op, "market %s", symbol)
	}
	if !e.isMember(account, symbol) {
		return nil
	}

	shares, borrow, _ := rec.market.AccountSnapshot(account)
	if borrow.Sign() > 0 {
		return Errf(CodeInsufficientLiquidity, op, "outstanding borrow of %s in %s", borrow, symbol)
	}

	// Liquidity as if all shares in this market were already redeemed.
	snap, err := e.hypotheticalLiquidity(account, symbol, shares, zeroBig)
	if err != nil {
		return err
	}
	if snap.Shortfall.Sign() > 0 {
		return Errf(CodeInsufficientLiquidity, op, "exit would leave shortfall %s", snap.Shortfall)
	}

	delete(e.memberIndex[account], symbol)
	members := e.memberships[account]
	for i, sym := range members {
		if sym == symbol {
			e.memberships[account] = append(members[:i], members[i+1:]...)
			break
		}
	}
	return nil
}

// Membership returns the account's entered markets in entry order.
func (e *Engine) Membership(account token.Address) []string {
	out := make([]string, len(e.memberships[account]))
	copy(out, e.memberships[account])
	return out
}

func (e *Engine) isMember(account token.Address, symbol string) bool {
	return e.memberIndex[account][symbol]
}

var zeroBig = big.NewInt(0)
