package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// Service provides read-only access to the projection tables and the
// operation log. All responses include as_of_sequence so clients can reason
// about freshness relative to the core's sequence.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPositions returns all non-empty positions for an account.
func (s *Service) GetPositions(ctx context.Context, account string) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT market, supply_shares, borrow_balance
		FROM projections.positions
		WHERE account = $1 AND (supply_shares <> 0 OR borrow_balance <> 0)
		ORDER BY market
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Account: account, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Market, &p.SupplyShares, &p.BorrowBalance); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetMarketPositions returns every account holding shares or debt in one
// market, largest debt first. Keepers use this to find borrowers worth
// watching.
func (s *Service) GetMarketPositions(ctx context.Context, market string, limit int) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account, supply_shares, borrow_balance
		FROM projections.positions
		WHERE market = $1 AND (supply_shares <> 0 OR borrow_balance <> 0)
		ORDER BY borrow_balance DESC
		LIMIT $2
	`, market, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{Market: market, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Account, &p.SupplyShares, &p.BorrowBalance); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetPrices returns the last applied oracle price per market.
func (s *Service) GetPrices(ctx context.Context) ([]MarketPriceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT market, price, updated_ts
		FROM projections.prices
		ORDER BY market
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []MarketPriceResponse
	for rows.Next() {
		p := MarketPriceResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Market, &p.Price, &p.UpdatedTs); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}

	return prices, rows.Err()
}

// GetLiquidations returns liquidation history for a borrower with
// cursor-based pagination.
func (s *Service) GetLiquidations(
	ctx context.Context,
	borrower string,
	limit int,
	beforeSequence *int64,
) ([]LiquidationResponse, error) {
	query := `
		SELECT liquidation_id, kind, borrower, seizer, repay_market, collateral_market,
		       repay_amount, seized_shares, profit, sequence, ts
		FROM projections.liquidations
		WHERE borrower = $1
	`
	args := []interface{}{borrower}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		var profit decimal.NullDecimal
		if err := rows.Scan(
			&r.LiquidationID, &r.Kind, &r.Borrower, &r.Seizer,
			&r.RepayMarket, &r.CollateralMarket,
			&r.RepayAmount, &r.SeizedShares, &profit, &r.Sequence, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if profit.Valid {
			r.Profit = &profit.Decimal
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetOperationHistory returns operation-log entries touching an account,
// newest first, with cursor-based pagination.
func (s *Service) GetOperationHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]OperationEntry, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, market, account, payload, ts
		FROM lend.operations
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OperationEntry
	for rows.Next() {
		var e OperationEntry
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Market,
			&e.Account, &e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and the projected books.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Hash chain continuity: every operation's prev_hash must equal the
	// previous operation's state_hash.
	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM lend.operations o1
		JOIN lend.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash <> o2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Negative shares or debt cannot come out of a correct replay.
	bookRows, err := s.db.QueryContext(ctx, `
		SELECT account, market, supply_shares, borrow_balance
		FROM projections.positions
		WHERE supply_shares < 0 OR borrow_balance < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer bookRows.Close()

	for bookRows.Next() {
		var nb NegativeBook
		if err := bookRows.Scan(&nb.Account, &nb.Market, &nb.Shares, &nb.Borrow); err != nil {
			return nil, err
		}
		report.NegativeBooks = append(report.NegativeBooks, nb)
	}
	if err := bookRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeBooks) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
