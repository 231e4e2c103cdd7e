package oracle

import (
	"fmt"
	"math/big"
	"sort"

	fpmath "LendLedger/internal/math"
)

// PriceSource returns the USD price of one whole underlying unit of a market,
// mantissa-scaled and decimal-normalized: for an underlying with d decimals
// the stored price is usd * 1e18 * 10^(18-d), so amount*price/1e18 is always
// an 18-decimal USD value regardless of the asset's native scale.
type PriceSource interface {
	UnderlyingPrice(market string) (fpmath.Exp, bool)
}

// Authority is the administrative credential for price writes. It is an
// explicit capability value checked per call, never ambient state.
type Authority string

// SimpleOracle is a key→price map with an authority-gated setter. It is the
// reference implementation of the external oracle collaborator; a production
// deployment replaces it with a feed adapter pushing through the same setter.
type SimpleOracle struct {
	authority Authority
	prices    map[string]fpmath.Exp
}

func NewSimpleOracle(authority Authority) *SimpleOracle {
	return &SimpleOracle{
		authority: authority,
		prices:    make(map[string]fpmath.Exp),
	}
}

func (o *SimpleOracle) UnderlyingPrice(market string) (fpmath.Exp, bool) {
	p, ok := o.prices[market]
	if !ok {
		return fpmath.ZeroExp(), false
	}
	return p.Clone(), true
}

// SetUnderlyingPrice stores a price. A zero or negative price is rejected:
// a zero price would turn liquidity math into a division by zero downstream.
func (o *SimpleOracle) SetUnderlyingPrice(auth Authority, market string, price *big.Int) error {
	if auth != o.authority {
		return fmt.Errorf("oracle: caller is not the price authority")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: price for %s must be positive", market)
	}
	o.prices[market] = fpmath.NewExp(new(big.Int).Set(price))
	return nil
}

// Markets returns the priced market symbols in deterministic order.
func (o *SimpleOracle) Markets() []string {
	out := make([]string, 0, len(o.prices))
	for m := range o.prices {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Snapshot captures all prices for atomic rollback.
func (o *SimpleOracle) Snapshot() any {
	prices := make(map[string]fpmath.Exp, len(o.prices))
	for k, v := range o.prices {
		prices[k] = v.Clone()
	}
	return prices
}

// Restore reinstates a snapshot taken from this oracle.
func (o *SimpleOracle) Restore(snap any) {
	o.prices = snap.(map[string]fpmath.Exp)
}
