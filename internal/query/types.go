package query

import "github.com/shopspring/decimal"

// PositionResponse represents one account/market position for API queries.
// Quantities are raw integer units (shares and underlying mantissa), not
// human decimals; clients scale by the market's decimals.
type PositionResponse struct {
	Account       string          `json:"account"`
	Market        string          `json:"market"`
	SupplyShares  decimal.Decimal `json:"supply_shares"`
	BorrowBalance decimal.Decimal `json:"borrow_balance"`
	AsOfSequence  int64           `json:"as_of_sequence"`
}

// MarketPriceResponse is the last oracle price applied per market.
type MarketPriceResponse struct {
	Market       string          `json:"market"`
	Price        decimal.Decimal `json:"price"` // 1e18 mantissa USD, decimal-normalized
	UpdatedTs    int64           `json:"updated_ts"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// LiquidationResponse represents one executed liquidation.
type LiquidationResponse struct {
	LiquidationID    string          `json:"liquidation_id"`
	Kind             string          `json:"kind"` // "Liquidation" or "FlashLiquidation"
	Borrower         string          `json:"borrower"`
	Seizer           string          `json:"seizer"`
	RepayMarket      string          `json:"repay_market"`
	CollateralMarket string          `json:"collateral_market"`
	RepayAmount      decimal.Decimal `json:"repay_amount"`
	SeizedShares     decimal.Decimal `json:"seized_shares"`
	Profit           *decimal.Decimal `json:"profit,omitempty"`
	Sequence         int64           `json:"sequence"`
	Timestamp        int64           `json:"timestamp"`
}

// OperationEntry is one row of the operation log for API queries.
type OperationEntry struct {
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Market         *string `json:"market,omitempty"`
	Account        string `json:"account"`
	Payload        []byte `json:"payload"`
	Timestamp      int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	NegativeBooks   []NegativeBook `json:"negative_books,omitempty"`
}

// NegativeBook flags an account/market pair whose projected shares or debt
// went negative, which a correct replay can never produce.
type NegativeBook struct {
	Account string          `json:"account"`
	Market  string          `json:"market"`
	Shares  decimal.Decimal `json:"shares"`
	Borrow  decimal.Decimal `json:"borrow"`
}
