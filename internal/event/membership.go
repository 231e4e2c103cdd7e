package event

import (
	"github.com/google/uuid"
)

// EnterMarkets represents an account opting supply positions into its
// collateral set.
type EnterMarkets struct {
	OperationID uuid.UUID
	Account     string
	Markets     []string
	Sequence    int64
	Timestamp   int64
}

func (e *EnterMarkets) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *EnterMarkets) EventType() Type {
	return TypeEnterMarkets
}

func (e *EnterMarkets) MarketID() *string {
	return nil
}

func (e *EnterMarkets) SourceSequence() int64 {
	return e.Sequence
}

// ExitMarket represents an account removing one market from its collateral
// set.
type ExitMarket struct {
	OperationID uuid.UUID
	Account     string
	Market      string
	Sequence    int64
	Timestamp   int64
}

func (e *ExitMarket) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *ExitMarket) EventType() Type {
	return TypeExitMarket
}

func (e *ExitMarket) MarketID() *string {
	s := e.Market
	return &s
}

func (e *ExitMarket) SourceSequence() int64 {
	return e.Sequence
}
