package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
)

// Output mirrors the data projection workers need from a processed
// operation. The orchestrator bridges between core.Output and this.
type Output struct {
	Sequence  int64
	EventType string
	Market    *string
	Account   string
	Payload   []byte // JSON-encoded event payload
	Timestamp int64
}

// Worker updates projection tables from processed operations. The
// projection channel is non-blocking with drop: if projections fall behind
// they are rebuilt from the operation log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — projections are eventually consistent
				// and can be rebuilt from the operation log.
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOperation(ctx, tx, output); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// --- payload shapes ---
// Payloads carry the core's event structs verbatim, so keys are the Go
// field names. Mantissa quantities round-trip through big.Int.

type supplyPayload struct {
	Account string
	Market  string
	Amount  *big.Int
	Shares  *big.Int
}

type borrowPayload struct {
	Account   string
	Market    string
	Amount    *big.Int
	Remaining *big.Int
}

type liquidationPayload struct {
	LiquidationID    string
	Liquidator       string
	Strategy         string
	Borrower         string
	RepayMarket      string
	CollateralMarket string
	RepayAmount      *big.Int
	SeizedShares     *big.Int
	Premium          *big.Int
	Proceeds         *big.Int
	Profit           *big.Int
}

type pricePayload struct {
	Market string
	Price  *big.Int
}

// applyOperation routes one processed operation into the projection tables.
// Shared between the live worker and RebuildProjections so both paths stay
// in agreement.
func applyOperation(ctx context.Context, tx *sql.Tx, output Output) error {
	switch output.EventType {
	case "Mint":
		var p supplyPayload
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal Mint: %w", err)
		}
		return adjustPosition(ctx, tx, p.Account, p.Market, p.Shares, nil, output.Sequence)

	case "Redeem":
		var p supplyPayload
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal Redeem: %w", err)
		}
		return adjustPosition(ctx, tx, p.Account, p.Market, neg(p.Shares), nil, output.Sequence)

	case "Borrow":
		var p borrowPayload
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal Borrow: %w", err)
		}
		return adjustPosition(ctx, tx, p.Account, p.Market, nil, p.Amount, output.Sequence)

	case "Repay":
		var p borrowPayload
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal Repay: %w", err)
		}
		return adjustPosition(ctx, tx, p.Account, p.Market, nil, neg(p.Amount), output.Sequence)

	case "Liquidation", "FlashLiquidation":
		var p liquidationPayload
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal %s: %w", output.EventType, err)
		}
		// Debt shrinks in the repay market; seized shares move from the
		// borrower to the liquidator (or strategy).
		if err := adjustPosition(ctx, tx, p.Borrower, p.RepayMarket, nil, neg(p.RepayAmount), output.Sequence); err != nil {
			return err
		}
		if err := adjustPosition(ctx, tx, p.Borrower, p.CollateralMarket, neg(p.SeizedShares), nil, output.Sequence); err != nil {
			return err
		}
		seizer := p.Liquidator
		if output.EventType == "FlashLiquidation" {
			seizer = p.Strategy
		}
		if p.SeizedShares != nil && seizer != "" && output.EventType == "Liquidation" {
			if err := adjustPosition(ctx, tx, seizer, p.CollateralMarket, p.SeizedShares, nil, output.Sequence); err != nil {
				return err
			}
		}
		return recordLiquidation(ctx, tx, output, p, seizer)

	case "PriceUpdate":
		var p pricePayload
		if err := json.Unmarshal(output.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal PriceUpdate: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.prices (market, price, last_sequence, updated_ts)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (market) DO UPDATE
				SET price = $2, last_sequence = $3, updated_ts = $4
		`, p.Market, p.Price.String(), output.Sequence, output.Timestamp)
		return err

	default:
		// Membership, listings, candidates: nothing to project.
		return nil
	}
}

func adjustPosition(ctx context.Context, tx *sql.Tx, account, market string, sharesDelta, borrowDelta *big.Int, seq int64) error {
	shares := "0"
	if sharesDelta != nil {
		shares = sharesDelta.String()
	}
	borrow := "0"
	if borrowDelta != nil {
		borrow = borrowDelta.String()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions (account, market, supply_shares, borrow_balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5)
		ON CONFLICT (account, market) DO UPDATE SET
			supply_shares  = projections.positions.supply_shares + $3::numeric,
			borrow_balance = GREATEST(projections.positions.borrow_balance + $4::numeric, 0),
			last_sequence  = $5
	`, account, market, shares, borrow, seq)
	return err
}

func recordLiquidation(ctx context.Context, tx *sql.Tx, output Output, p liquidationPayload, seizer string) error {
	profit := sql.NullString{}
	if p.Profit != nil {
		profit = sql.NullString{String: p.Profit.String(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(liquidation_id, kind, borrower, seizer, repay_market, collateral_market,
			 repay_amount, seized_shares, profit, sequence, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (liquidation_id, kind) DO NOTHING
	`, p.LiquidationID, output.EventType, p.Borrower, seizer, p.RepayMarket, p.CollateralMarket,
		p.RepayAmount.String(), p.SeizedShares.String(), profit, output.Sequence, output.Timestamp)
	return err
}

func neg(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Neg(v)
}

// RebuildProjections rebuilds all projection tables by replaying the
// operation log through the same apply path the live worker uses.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.liquidations`,
		`TRUNCATE projections.prices`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const batchSize = 1000
	var lastSeq int64

	for from := int64(0); ; {
		rows, err := db.QueryContext(ctx, `
			SELECT sequence, event_type, market, account, payload, ts
			FROM lend.operations
			WHERE sequence >= $1
			ORDER BY sequence ASC
			LIMIT $2
		`, from, batchSize)
		if err != nil {
			return fmt.Errorf("load operations: %w", err)
		}

		var batch []Output
		for rows.Next() {
			var o Output
			if err := rows.Scan(&o.Sequence, &o.EventType, &o.Market, &o.Account, &o.Payload, &o.Timestamp); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, o := range batch {
			if err := applyOperation(ctx, tx, o); err != nil {
				tx.Rollback()
				return fmt.Errorf("replay seq=%d: %w", o.Sequence, err)
			}
			lastSeq = o.Sequence
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, lastSeq); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		from = batch[len(batch)-1].Sequence + 1
	}

	log.Printf("INFO: projection rebuild complete through seq=%d", lastSeq)
	return nil
}
