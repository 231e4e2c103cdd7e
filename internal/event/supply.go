package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Mint represents an accepted supply deposit.
// Idempotency key: operation_id (UUID from the submitting client).
type Mint struct {
	OperationID uuid.UUID // Idempotency key
	Account     string
	Market      string
	Amount      *big.Int // Underlying units deposited
	Shares      *big.Int // Shares issued at the pre-deposit exchange rate
	Sequence    int64    // Source sequence from the submitting channel
	Timestamp   int64    // Versioned input timestamp (NOT wall-clock)
}

func (m *Mint) IdempotencyKey() string {
	return m.OperationID.String()
}

func (m *Mint) EventType() Type {
	return TypeMint
}

func (m *Mint) MarketID() *string {
	s := m.Market
	return &s
}

func (m *Mint) SourceSequence() int64 {
	return m.Sequence
}

// Redeem represents an accepted share redemption.
type Redeem struct {
	OperationID uuid.UUID
	Account     string
	Market      string
	Shares      *big.Int // Shares burned
	Amount      *big.Int // Underlying units paid out
	Sequence    int64
	Timestamp   int64
}

func (r *Redeem) IdempotencyKey() string {
	return r.OperationID.String()
}

func (r *Redeem) EventType() Type {
	return TypeRedeem
}

func (r *Redeem) MarketID() *string {
	s := r.Market
	return &s
}

func (r *Redeem) SourceSequence() int64 {
	return r.Sequence
}
