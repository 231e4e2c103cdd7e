package strategy

import (
	"fmt"
	"math/big"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/token"
)

// SwapRouter converts one asset into another at the venue's price.
type SwapRouter interface {
	// Quote prices amountIn of tokenIn in tokenOut units off the posted
	// rate table, before any execution haircut and without moving funds.
	Quote(tokenIn, tokenOut token.Token, amountIn *big.Int) (*big.Int, error)
	// SwapExactIn sells amountIn of tokenIn for tokenOut on the trader's
	// behalf and returns the amount received. The router pulls the input
	// via allowance and pays the output from its own inventory. A fill
	// below minAmountOut fails with ErrSlippage and moves nothing.
	SwapExactIn(trader token.Address, tokenIn, tokenOut token.Token, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// ErrInsufficientInventory means the router cannot cover the output leg.
var ErrInsufficientInventory = fmt.Errorf("router has insufficient inventory")

// ErrSlippage means the fill came in under the caller's minimum output.
var ErrSlippage = fmt.Errorf("swap output below minimum")

// FixedRateRouter is a deterministic swap venue: it quotes from a posted
// per-token USD price table and fills from its own inventory. Prices use the
// same decimal-normalized 1e18 mantissa convention as the oracle, so a quote
// is valueIn/priceOut regardless of the two assets' native decimals.
type FixedRateRouter struct {
	addr        token.Address
	prices      map[string]fpmath.Exp
	slippageBps int64
}

func NewFixedRateRouter(slippageBps int64) *FixedRateRouter {
	return &FixedRateRouter{
		addr:        token.Address("router:fixed"),
		prices:      make(map[string]fpmath.Exp),
		slippageBps: slippageBps,
	}
}

func (r *FixedRateRouter) Address() token.Address { return r.addr }

// SetRate posts the USD price for a token symbol.
func (r *FixedRateRouter) SetRate(symbol string, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("router rate for %s must be positive", symbol)
	}
	r.prices[symbol] = fpmath.NewExp(new(big.Int).Set(price))
	return nil
}

// Fund seeds output-side inventory from a funder account.
func (r *FixedRateRouter) Fund(asset token.Token, funder token.Address, amount *big.Int) error {
	return asset.Transfer(funder, r.addr, amount)
}

// Quote converts amountIn through the posted rate table. Fills may come in
// under the quote by up to the venue's execution slippage.
func (r *FixedRateRouter) Quote(tokenIn, tokenOut token.Token, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount must be positive")
	}
	priceIn, ok := r.prices[tokenIn.Symbol()]
	if !ok {
		return nil, fmt.Errorf("no rate posted for %s", tokenIn.Symbol())
	}
	priceOut, ok := r.prices[tokenOut.Symbol()]
	if !ok {
		return nil, fmt.Errorf("no rate posted for %s", tokenOut.Symbol())
	}
	value := fpmath.MulScalarTruncate(priceIn, amountIn)
	return fpmath.DivScalarByExpTruncate(value, priceOut), nil
}

func (r *FixedRateRouter) SwapExactIn(trader token.Address, tokenIn, tokenOut token.Token, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	amountOut, err := r.Quote(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if r.slippageBps > 0 {
		haircut := new(big.Int).Mul(amountOut, big.NewInt(r.slippageBps))
		amountOut.Sub(amountOut, haircut.Quo(haircut, big.NewInt(10_000)))
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("fill %s below minimum %s: %w", amountOut, minAmountOut, ErrSlippage)
	}

	if tokenOut.BalanceOf(r.addr).Cmp(amountOut) < 0 {
		return nil, fmt.Errorf("%s for %s: %w", tokenOut.Symbol(), amountOut, ErrInsufficientInventory)
	}
	if err := tokenIn.TransferFrom(r.addr, trader, r.addr, amountIn); err != nil {
		return nil, fmt.Errorf("swap input leg: %w", err)
	}
	if err := tokenOut.Transfer(r.addr, trader, amountOut); err != nil {
		return nil, fmt.Errorf("swap output leg: %w", err)
	}
	return amountOut, nil
}
