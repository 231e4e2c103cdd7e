package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Borrow represents an accepted draw against collateral.
type Borrow struct {
	OperationID uuid.UUID
	Account     string
	Market      string
	Amount      *big.Int // Underlying units drawn
	Sequence    int64
	Timestamp   int64
}

func (b *Borrow) IdempotencyKey() string {
	return b.OperationID.String()
}

func (b *Borrow) EventType() Type {
	return TypeBorrow
}

func (b *Borrow) MarketID() *string {
	s := b.Market
	return &s
}

func (b *Borrow) SourceSequence() int64 {
	return b.Sequence
}

// Repay represents an accepted debt repayment.
type Repay struct {
	OperationID uuid.UUID
	Account     string
	Market      string
	Amount      *big.Int // Underlying units repaid
	Remaining   *big.Int // Debt outstanding after the repayment
	Sequence    int64
	Timestamp   int64
}

func (r *Repay) IdempotencyKey() string {
	return r.OperationID.String()
}

func (r *Repay) EventType() Type {
	return TypeRepay
}

func (r *Repay) MarketID() *string {
	s := r.Market
	return &s
}

func (r *Repay) SourceSequence() int64 {
	return r.Sequence
}
