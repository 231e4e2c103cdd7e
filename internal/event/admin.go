package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// MarketListed represents a market registration with the risk engine.
type MarketListed struct {
	Market    string
	Sequence  int64
	Timestamp int64
}

func (m *MarketListed) IdempotencyKey() string {
	return fmt.Sprintf("list:%s", m.Market)
}

func (m *MarketListed) EventType() Type {
	return TypeMarketListed
}

func (m *MarketListed) MarketID() *string {
	s := m.Market
	return &s
}

func (m *MarketListed) SourceSequence() int64 {
	return m.Sequence
}

// RiskParamUpdate represents a change to one risk parameter. Exactly one of
// the value fields is set, matching Param. Governance can legitimately set
// the same parameter to the same value twice, so redelivery detection rides
// on the client-supplied operation id rather than the payload.
type RiskParamUpdate struct {
	OperationID uuid.UUID // Idempotency key
	// Param names the parameter: "collateral_factor", "close_factor",
	// or "liquidation_incentive".
	Param string
	// Market is set for per-market parameters, empty for global ones.
	Market    string
	Value     *big.Int // 1e18 mantissa
	Sequence  int64
	Timestamp int64
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return r.OperationID.String()
}

func (r *RiskParamUpdate) EventType() Type {
	return TypeRiskParamUpdate
}

func (r *RiskParamUpdate) MarketID() *string {
	if r.Market == "" {
		return nil
	}
	s := r.Market
	return &s
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}

// PriceUpdate represents an oracle price write. Feed updates carry a source
// sequence and are keyed on market + sequence; unsequenced writes (operator
// submissions) carry an operation id instead.
type PriceUpdate struct {
	OperationID uuid.UUID // Idempotency key when Sequence is zero
	Market      string
	Price       *big.Int // Decimal-normalized 1e18 mantissa USD price
	Sequence    int64    // Source sequence from the price feed, zero if none
	Timestamp   int64
}

func (p *PriceUpdate) IdempotencyKey() string {
	if p.Sequence > 0 {
		return fmt.Sprintf("price:%s:%d", p.Market, p.Sequence)
	}
	return p.OperationID.String()
}

func (p *PriceUpdate) EventType() Type {
	return TypePriceUpdate
}

func (p *PriceUpdate) MarketID() *string {
	s := p.Market
	return &s
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.Sequence
}
