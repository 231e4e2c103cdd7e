package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// LiquidationCandidate is emitted after a price move leaves an account with
// positive shortfall. It is a signal to liquidation keepers, not a state
// change of its own.
type LiquidationCandidate struct {
	Borrower   string
	Collateral *big.Int // Risk-weighted collateral value, 18-decimal USD
	Borrowed   *big.Int // Total debt value, 18-decimal USD
	Shortfall  *big.Int
	Sequence   int64
	Timestamp  int64
}

func (l *LiquidationCandidate) IdempotencyKey() string {
	return fmt.Sprintf("candidate:%s:%d", l.Borrower, l.Sequence)
}

func (l *LiquidationCandidate) EventType() Type {
	return TypeLiquidationCandidate
}

func (l *LiquidationCandidate) MarketID() *string {
	return nil
}

func (l *LiquidationCandidate) SourceSequence() int64 {
	return l.Sequence
}

// Liquidation represents a completed liquidateBorrow: debt repaid in one
// market, collateral shares seized in another.
type Liquidation struct {
	LiquidationID    uuid.UUID
	Liquidator       string
	Borrower         string
	RepayMarket      string
	CollateralMarket string
	RepayAmount      *big.Int // Underlying units of the repay market
	SeizedShares     *big.Int // Shares of the collateral market
	Sequence         int64
	Timestamp        int64
}

func (l *Liquidation) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *Liquidation) EventType() Type {
	return TypeLiquidation
}

func (l *Liquidation) MarketID() *string {
	return &l.RepayMarket
}

func (l *Liquidation) SourceSequence() int64 {
	return l.Sequence
}

// FlashLiquidation represents a strategy execution: flash borrow, liquidate,
// sell collateral, settle the loan.
type FlashLiquidation struct {
	LiquidationID    uuid.UUID
	Strategy         string
	Borrower         string
	RepayMarket      string
	CollateralMarket string
	RepayAmount      *big.Int
	Premium          *big.Int // Flash-loan fee paid to the pool
	SeizedShares     *big.Int
	Proceeds         *big.Int // Repay-asset units received from the swap
	Profit           *big.Int // Net of loan settlement
	Sequence         int64
	Timestamp        int64
}

func (f *FlashLiquidation) IdempotencyKey() string {
	return fmt.Sprintf("%s:flash", f.LiquidationID)
}

func (f *FlashLiquidation) EventType() Type {
	return TypeFlashLiquidation
}

func (f *FlashLiquidation) MarketID() *string {
	return &f.RepayMarket
}

func (f *FlashLiquidation) SourceSequence() int64 {
	return f.Sequence
}
