package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"LendLedger/internal/event"
)

// OperationWriter writes operation-log rows to Postgres using multi-row
// INSERT. COPY protocol would be faster at scale; multi-row INSERT keeps
// the writer portable across database/sql drivers.
type OperationWriter struct {
	db *sql.DB
}

// Row is a flattened operation-log envelope ready for insertion.
// Mirrors event.Envelope so this package depends only on the event types,
// never on the core processor.
type Row struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Market         *string
	Account        string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// RowFromEnvelope flattens a core envelope into an insertable row.
func RowFromEnvelope(env *event.Envelope) Row {
	stateHash := make([]byte, len(env.StateHash))
	copy(stateHash, env.StateHash[:])
	prevHash := make([]byte, len(env.PrevHash))
	copy(prevHash, env.PrevHash[:])

	return Row{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Market:         env.Market,
		Account:        env.Account,
		Payload:        env.Payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

func NewOperationWriter(db *sql.DB) *OperationWriter {
	return &OperationWriter{db: db}
}

// WriteBatch writes a batch of rows to lend.operations inside the given
// transaction. ON CONFLICT (sequence) DO NOTHING makes replays after a
// crash idempotent.
func (w *OperationWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO lend.operations
		(sequence, event_type, idempotency_key, market, account, payload, state_hash, prev_hash, ts, source_sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*10)

	for i, r := range rows {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.Sequence, r.EventType, r.IdempotencyKey, r.Market, r.Account,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp, r.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// RecentKeys returns the newest composite dedup keys ("EventType:key"),
// used to warm the idempotency LRU on restart.
func (w *OperationWriter) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM lend.operations
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}
