package event

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeMarketListed
	TypeRiskParamUpdate
	TypePriceUpdate
	TypeMint
	TypeRedeem
	TypeEnterMarkets
	TypeExitMarket
	TypeBorrow
	TypeRepay
	TypeLiquidation
	TypeFlashLiquidation
	TypeLiquidationCandidate
)

// Envelope wraps every event in the operation log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType Type

	// Market context (nullable for global events)
	Market *string

	// Account context (empty for admin events)
	Account string

	// Versioned input timestamp in epoch seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (t Type) String() string {
	switch t {
	case TypeMarketListed:
		return "MarketListed"
	case TypeRiskParamUpdate:
		return "RiskParamUpdate"
	case TypePriceUpdate:
		return "PriceUpdate"
	case TypeMint:
		return "Mint"
	case TypeRedeem:
		return "Redeem"
	case TypeEnterMarkets:
		return "EnterMarkets"
	case TypeExitMarket:
		return "ExitMarket"
	case TypeBorrow:
		return "Borrow"
	case TypeRepay:
		return "Repay"
	case TypeLiquidation:
		return "Liquidation"
	case TypeFlashLiquidation:
		return "FlashLiquidation"
	case TypeLiquidationCandidate:
		return "LiquidationCandidate"
	default:
		return "Unknown"
	}
}
