// Package strategy implements liquidation execution against the lending
// core: a caller with no capital of their own flash-borrows the repay
// asset, liquidates an underwater borrower, sells the seized collateral,
// and keeps the spread. Every execution runs under a txn boundary so a
// failed step unwinds the whole attempt.
package strategy

import (
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"LendLedger/internal/market"
	"LendLedger/internal/token"
	"LendLedger/internal/txn"
)

// Config wires one liquidator instance to its venues and market pair.
type Config struct {
	// Lender supplies the repay asset for the duration of one execution.
	Lender *PoolFlashLender
	// Router sells seized collateral back into the repay asset.
	Router *FixedRateRouter
	// Borrowed is the market whose debt gets repaid.
	Borrowed *market.Token
	// Collateral is the market whose shares get seized and redeemed.
	Collateral *market.Token
	// Boundary is the atomicity scope covering every state holder an
	// execution can touch.
	Boundary *txn.Group
	// MaxSlippageBps bounds how far the collateral fill may come in under
	// the router's quote, in basis points. Zero means the default of 100.
	MaxSlippageBps int64
	Logger         zerolog.Logger
}

const defaultMaxSlippageBps = 100

// Result is the accounting of one successful execution. Profit remains at
// the liquidator's own address in the borrowed market's underlying.
type Result struct {
	Borrower       token.Address
	Repaid         *big.Int
	Premium        *big.Int
	SeizedShares   *big.Int
	CollateralSold *big.Int
	Proceeds       *big.Int
	Profit         *big.Int
}

// FlashLiquidator executes capital-free liquidations of one market pair.
type FlashLiquidator struct {
	addr           token.Address
	lender         *PoolFlashLender
	router         *FixedRateRouter
	borrowed       *market.Token
	collateral     *market.Token
	boundary       *txn.Group
	maxSlippageBps int64
	log            zerolog.Logger
}

func NewFlashLiquidator(cfg Config) (*FlashLiquidator, error) {
	if cfg.Lender == nil || cfg.Router == nil || cfg.Borrowed == nil || cfg.Collateral == nil || cfg.Boundary == nil {
		return nil, fmt.Errorf("strategy: incomplete config")
	}
	if cfg.Lender.Asset().Symbol() != cfg.Borrowed.Underlying().Symbol() {
		return nil, fmt.Errorf("strategy: lender deals %s but market borrows %s",
			cfg.Lender.Asset().Symbol(), cfg.Borrowed.Underlying().Symbol())
	}
	maxSlippage := cfg.MaxSlippageBps
	if maxSlippage <= 0 {
		maxSlippage = defaultMaxSlippageBps
	}
	return &FlashLiquidator{
		addr:           token.Address("strategy:" + cfg.Borrowed.Symbol() + ":" + cfg.Collateral.Symbol()),
		lender:         cfg.Lender,
		router:         cfg.Router,
		borrowed:       cfg.Borrowed,
		collateral:     cfg.Collateral,
		boundary:       cfg.Boundary,
		maxSlippageBps: maxSlippage,
		log:            cfg.Logger.With().Str("component", "strategy").Logger(),
	}, nil
}

func (l *FlashLiquidator) Address() token.Address { return l.addr }

// Execute flash-borrows repayAmount, liquidates the borrower, redeems the
// seized collateral shares, sells the collateral for the repay asset, and
// settles the loan plus premium. Any failure along the way restores every
// ledger to its pre-call state.
func (l *FlashLiquidator) Execute(borrower token.Address, repayAmount *big.Int) (*Result, error) {
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, fmt.Errorf("strategy: repay amount must be positive")
	}

	repayAsset := l.borrowed.Underlying()
	collAsset := l.collateral.Underlying()
	premium := l.lender.Fee(repayAmount)

	res := &Result{
		Borrower: borrower,
		Repaid:   new(big.Int).Set(repayAmount),
		Premium:  premium,
	}
	openingBalance := repayAsset.BalanceOf(l.addr)

	err := l.boundary.Run(func() error {
		return l.lender.Loan(l.addr, repayAmount, func() error {
			if err := repayAsset.Approve(l.addr, l.borrowed.Address(), repayAmount); err != nil {
				return err
			}
			seized, err := l.borrowed.LiquidateBorrow(l.addr, borrower, repayAmount, l.collateral)
			if err != nil {
				return err
			}
			res.SeizedShares = seized

			sold, err := l.collateral.Redeem(l.addr, seized)
			if err != nil {
				return err
			}
			res.CollateralSold = sold

			if err := collAsset.Approve(l.addr, l.router.Address(), sold); err != nil {
				return err
			}
			// Min-out guard: accept a fill no more than maxSlippageBps
			// under the quoted collateral value.
			quote, err := l.router.Quote(collAsset, repayAsset, sold)
			if err != nil {
				return err
			}
			minOut := new(big.Int).Mul(quote, big.NewInt(10_000-l.maxSlippageBps))
			minOut.Quo(minOut, big.NewInt(10_000))
			proceeds, err := l.router.SwapExactIn(l.addr, collAsset, repayAsset, sold, minOut)
			if err != nil {
				return err
			}
			res.Proceeds = proceeds

			repayment := new(big.Int).Add(repayAmount, premium)
			if repayAsset.BalanceOf(l.addr).Cmp(repayment) < 0 {
				return fmt.Errorf("proceeds %s below repayment %s: %w", proceeds, repayment, ErrLoanNotRepaid)
			}
			return repayAsset.Approve(l.addr, l.lender.Address(), repayment)
		})
	})
	if err != nil {
		l.log.Warn().
			Str("borrower", string(borrower)).
			Str("repay", repayAmount.String()).
			Err(err).
			Msg("flash liquidation aborted")
		return nil, err
	}

	res.Profit = new(big.Int).Sub(repayAsset.BalanceOf(l.addr), openingBalance)
	l.log.Info().
		Str("borrower", string(borrower)).
		Str("repaid", res.Repaid.String()).
		Str("seized_shares", res.SeizedShares.String()).
		Str("proceeds", res.Proceeds.String()).
		Str("profit", res.Profit.String()).
		Msg("flash liquidation executed")
	return res, nil
}
