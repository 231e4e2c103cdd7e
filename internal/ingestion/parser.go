package ingestion

import (
	"LendLedger/internal/event"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + operation type string)
// into a typed event.Event. The ingestion shell validates and parses here
// so the deterministic core only ever sees well-formed operations.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "Mint":
		return parseMint(raw.Data)
	case "Redeem":
		return parseRedeem(raw.Data)
	case "EnterMarkets":
		return parseEnterMarkets(raw.Data)
	case "ExitMarket":
		return parseExitMarket(raw.Data)
	case "Borrow":
		return parseBorrow(raw.Data)
	case "Repay":
		return parseRepay(raw.Data)
	case "Liquidation":
		return parseLiquidation(raw.Data)
	case "FlashLiquidation":
		return parseFlashLiquidation(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "RiskParamUpdate":
		return parseRiskParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// parseBig parses a base-10 integer string into a big.Int. Amounts ride the
// wire as strings because mantissa-scale quantities exceed int64.
func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a base-10 integer: %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: negative: %q", field, s)
	}
	return v, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Timestamps are
// epoch seconds; they version the operation, they are not wall-clock reads.

type supplyOpJSON struct {
	OperationID string `json:"operation_id"`
	Account     string `json:"account"`
	Market      string `json:"market"`
	Amount      string `json:"amount"`
	Shares      string `json:"shares"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func parseMint(data []byte) (*event.Mint, error) {
	var j supplyOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Mint: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	amount, err := parseBig("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Mint{
		OperationID: opID,
		Account:     j.Account,
		Market:      j.Market,
		Amount:      amount,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

func parseRedeem(data []byte) (*event.Redeem, error) {
	var j supplyOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Redeem: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	shares, err := parseBig("shares", j.Shares)
	if err != nil {
		return nil, err
	}
	return &event.Redeem{
		OperationID: opID,
		Account:     j.Account,
		Market:      j.Market,
		Shares:      shares,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

type membershipJSON struct {
	OperationID string   `json:"operation_id"`
	Account     string   `json:"account"`
	Markets     []string `json:"markets"`
	Market      string   `json:"market"`
	Sequence    int64    `json:"sequence"`
	Timestamp   int64    `json:"timestamp"`
}

func parseEnterMarkets(data []byte) (*event.EnterMarkets, error) {
	var j membershipJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EnterMarkets: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	if len(j.Markets) == 0 {
		return nil, fmt.Errorf("parse EnterMarkets: empty markets list")
	}
	return &event.EnterMarkets{
		OperationID: opID,
		Account:     j.Account,
		Markets:     j.Markets,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

func parseExitMarket(data []byte) (*event.ExitMarket, error) {
	var j membershipJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExitMarket: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	return &event.ExitMarket{
		OperationID: opID,
		Account:     j.Account,
		Market:      j.Market,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

type borrowOpJSON struct {
	OperationID string `json:"operation_id"`
	Account     string `json:"account"`
	Market      string `json:"market"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func parseBorrow(data []byte) (*event.Borrow, error) {
	var j borrowOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	amount, err := parseBig("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Borrow{
		OperationID: opID,
		Account:     j.Account,
		Market:      j.Market,
		Amount:      amount,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

func parseRepay(data []byte) (*event.Repay, error) {
	var j borrowOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	amount, err := parseBig("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Repay{
		OperationID: opID,
		Account:     j.Account,
		Market:      j.Market,
		Amount:      amount,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

type liquidationJSON struct {
	LiquidationID    string `json:"liquidation_id"`
	Liquidator       string `json:"liquidator"`
	Strategy         string `json:"strategy"`
	Borrower         string `json:"borrower"`
	RepayMarket      string `json:"repay_market"`
	CollateralMarket string `json:"collateral_market"`
	RepayAmount      string `json:"repay_amount"`
	Sequence         int64  `json:"sequence"`
	Timestamp        int64  `json:"timestamp"`
}

func parseLiquidation(data []byte) (*event.Liquidation, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidation: %w", err)
	}
	liqID, err := uuid.Parse(j.LiquidationID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation_id: %w", err)
	}
	repayAmount, err := parseBig("repay_amount", j.RepayAmount)
	if err != nil {
		return nil, err
	}
	return &event.Liquidation{
		LiquidationID:    liqID,
		Liquidator:       j.Liquidator,
		Borrower:         j.Borrower,
		RepayMarket:      j.RepayMarket,
		CollateralMarket: j.CollateralMarket,
		RepayAmount:      repayAmount,
		Sequence:         j.Sequence,
		Timestamp:        j.Timestamp,
	}, nil
}

func parseFlashLiquidation(data []byte) (*event.FlashLiquidation, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FlashLiquidation: %w", err)
	}
	liqID, err := uuid.Parse(j.LiquidationID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation_id: %w", err)
	}
	if j.Strategy == "" {
		return nil, fmt.Errorf("parse FlashLiquidation: empty strategy")
	}
	repayAmount, err := parseBig("repay_amount", j.RepayAmount)
	if err != nil {
		return nil, err
	}
	return &event.FlashLiquidation{
		LiquidationID:    liqID,
		Strategy:         j.Strategy,
		Borrower:         j.Borrower,
		RepayMarket:      j.RepayMarket,
		CollateralMarket: j.CollateralMarket,
		RepayAmount:      repayAmount,
		Sequence:         j.Sequence,
		Timestamp:        j.Timestamp,
	}, nil
}

type priceUpdateJSON struct {
	OperationID   string `json:"operation_id"`
	Market        string `json:"market"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Timestamp     int64  `json:"timestamp"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	// Feed updates dedup on market+sequence; an unsequenced write has
	// nothing else to dedup on, so the operation id becomes mandatory.
	var opID uuid.UUID
	if j.OperationID != "" {
		var err error
		opID, err = uuid.Parse(j.OperationID)
		if err != nil {
			return nil, fmt.Errorf("parse operation_id: %w", err)
		}
	} else if j.PriceSequence == 0 {
		return nil, fmt.Errorf("parse PriceUpdate: operation_id required without price_sequence")
	}
	price, err := parseBig("price", j.Price)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return nil, fmt.Errorf("parse price: zero")
	}
	return &event.PriceUpdate{
		OperationID: opID,
		Market:      j.Market,
		Price:       price,
		Sequence:    j.PriceSequence,
		Timestamp:   j.Timestamp,
	}, nil
}

type riskParamUpdateJSON struct {
	OperationID string `json:"operation_id"`
	Param       string `json:"param"`
	Market      string `json:"market"`
	Value       string `json:"value"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation_id: %w", err)
	}
	switch j.Param {
	case "collateral_factor", "close_factor", "liquidation_incentive":
	default:
		return nil, fmt.Errorf("parse RiskParamUpdate: unknown param %q", j.Param)
	}
	value, err := parseBig("value", j.Value)
	if err != nil {
		return nil, err
	}
	return &event.RiskParamUpdate{
		OperationID: opID,
		Param:       j.Param,
		Market:      j.Market,
		Value:       value,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}
