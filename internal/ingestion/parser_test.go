package ingestion_test

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseMint(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "550e8400-e29b-41d4-a716-446655440000",
		"account":      "alice",
		"market":       "cUSDC",
		"amount":       "5000000000",
		"sequence":     int64(42),
		"timestamp":    int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "Mint")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	m, ok := evt.(*event.Mint)
	if !ok {
		t.Fatalf("expected *event.Mint, got %T", evt)
	}

	if m.Account != "alice" {
		t.Errorf("account: got %s, want alice", m.Account)
	}
	if m.Market != "cUSDC" {
		t.Errorf("market: got %s, want cUSDC", m.Market)
	}
	if m.Amount.String() != "5000000000" {
		t.Errorf("amount: got %s, want 5000000000", m.Amount)
	}
	if m.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", m.Sequence)
	}
	if m.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", m.IdempotencyKey())
	}
}

func TestParseMintRejectsBadOperationID(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "not-a-uuid",
		"account":      "alice",
		"market":       "cUSDC",
		"amount":       "100",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "Mint"); err == nil {
		t.Fatal("expected error for malformed operation_id")
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	cases := []string{"", "abc", "-100", "1.5"}
	for _, amount := range cases {
		payload := map[string]interface{}{
			"operation_id": "550e8400-e29b-41d4-a716-446655440000",
			"account":      "alice",
			"market":       "cUSDC",
			"amount":       amount,
		}
		raw := rawFromJSON(t, payload)
		if _, err := ingestion.ParseRawEvent(raw, "Borrow"); err == nil {
			t.Errorf("amount %q: expected parse error", amount)
		}
	}
}

func TestParseRedeemUsesShares(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "660e8400-e29b-41d4-a716-446655440001",
		"account":      "bob",
		"market":       "cUNI",
		"shares":       "435483870967741935483",
		"sequence":     int64(7),
		"timestamp":    int64(1700000100),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "Redeem")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	r := evt.(*event.Redeem)
	if r.Shares.String() != "435483870967741935483" {
		t.Errorf("shares: got %s", r.Shares)
	}
}

func TestParseEnterMarkets(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "770e8400-e29b-41d4-a716-446655440002",
		"account":      "carol",
		"markets":      []string{"cUSDC", "cUNI"},
		"sequence":     int64(3),
		"timestamp":    int64(1700000200),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "EnterMarkets")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	em := evt.(*event.EnterMarkets)
	if len(em.Markets) != 2 || em.Markets[0] != "cUSDC" || em.Markets[1] != "cUNI" {
		t.Errorf("markets: got %v", em.Markets)
	}
	if em.MarketID() != nil {
		t.Error("EnterMarkets should have no single market context")
	}
}

func TestParseEnterMarketsRejectsEmptyList(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "770e8400-e29b-41d4-a716-446655440002",
		"account":      "carol",
		"markets":      []string{},
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "EnterMarkets"); err == nil {
		t.Fatal("expected error for empty markets list")
	}
}

func TestParseLiquidation(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id":    "880e8400-e29b-41d4-a716-446655440003",
		"liquidator":        "keeper-1",
		"borrower":          "alice",
		"repay_market":      "cUSDC",
		"collateral_market": "cUNI",
		"repay_amount":      "2500000000",
		"sequence":          int64(11),
		"timestamp":         int64(1700000300),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "Liquidation")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	liq := evt.(*event.Liquidation)
	if liq.Liquidator != "keeper-1" || liq.Borrower != "alice" {
		t.Errorf("parties: got %s/%s", liq.Liquidator, liq.Borrower)
	}
	if liq.RepayMarket != "cUSDC" || liq.CollateralMarket != "cUNI" {
		t.Errorf("markets: got %s/%s", liq.RepayMarket, liq.CollateralMarket)
	}
	if liq.RepayAmount.String() != "2500000000" {
		t.Errorf("repay_amount: got %s", liq.RepayAmount)
	}
}

func TestParseFlashLiquidationRequiresStrategy(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id":    "880e8400-e29b-41d4-a716-446655440003",
		"borrower":          "alice",
		"repay_market":      "cUSDC",
		"collateral_market": "cUNI",
		"repay_amount":      "2500000000",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "FlashLiquidation"); err == nil {
		t.Fatal("expected error for missing strategy")
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "cUNI",
		"price":          "6200000000000000000",
		"price_sequence": int64(9),
		"timestamp":      int64(1700000400),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu := evt.(*event.PriceUpdate)
	if pu.Market != "cUNI" {
		t.Errorf("market: got %s", pu.Market)
	}
	if pu.Price.String() != "6200000000000000000" {
		t.Errorf("price: got %s", pu.Price)
	}
	if pu.SourceSequence() != 9 {
		t.Errorf("source sequence: got %d", pu.SourceSequence())
	}
}

func TestParsePriceUpdateRejectsZero(t *testing.T) {
	payload := map[string]interface{}{
		"market":         "cUNI",
		"price":          "0",
		"price_sequence": int64(10),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "PriceUpdate"); err == nil {
		t.Fatal("expected error for zero price")
	}
}

func TestParseUnsequencedPriceUpdateKeysOnOperationID(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "990e8400-e29b-41d4-a716-446655440004",
		"market":       "cUNI",
		"price":        "6200000000000000000",
		"timestamp":    int64(1700000400),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pu := evt.(*event.PriceUpdate)
	if pu.SourceSequence() != 0 {
		t.Errorf("source sequence: got %d, want 0", pu.SourceSequence())
	}
	if pu.IdempotencyKey() != "990e8400-e29b-41d4-a716-446655440004" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
}

func TestParseUnsequencedPriceUpdateRequiresOperationID(t *testing.T) {
	payload := map[string]interface{}{
		"market": "cUNI",
		"price":  "6200000000000000000",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "PriceUpdate"); err == nil {
		t.Fatal("expected error for unsequenced update without operation_id")
	}
}

func TestParseRiskParamUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "aa0e8400-e29b-41d4-a716-446655440005",
		"param":        "collateral_factor",
		"market":       "cUNI",
		"value":        "500000000000000000",
		"sequence":     int64(2),
		"timestamp":    int64(1700000500),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "RiskParamUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	rp := evt.(*event.RiskParamUpdate)
	if rp.Param != "collateral_factor" || rp.Market != "cUNI" {
		t.Errorf("param: got %s/%s", rp.Param, rp.Market)
	}
	if rp.Value.String() != "500000000000000000" {
		t.Errorf("value: got %s", rp.Value)
	}
	if rp.IdempotencyKey() != "aa0e8400-e29b-41d4-a716-446655440005" {
		t.Errorf("idempotency key: got %s", rp.IdempotencyKey())
	}
}

func TestParseRiskParamUpdateRejectsUnknownParam(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "aa0e8400-e29b-41d4-a716-446655440005",
		"param":        "margin_fraction",
		"market":       "cUNI",
		"value":        "100000000000000000",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "RiskParamUpdate"); err == nil {
		t.Fatal("expected error for unknown param")
	}
}

func TestParseRiskParamUpdateRequiresOperationID(t *testing.T) {
	payload := map[string]interface{}{
		"param":  "close_factor",
		"market": "",
		"value":  "750000000000000000",
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "RiskParamUpdate"); err == nil {
		t.Fatal("expected error for missing operation_id")
	}
}

func TestParseUnknownEventType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawEvent(raw, "TradeFill"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
