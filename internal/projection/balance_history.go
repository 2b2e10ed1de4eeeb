package projection

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

// HistoryEntry is one row of an account's running balance history.
type HistoryEntry struct {
	Account      uuid.UUID
	Seq          uint64
	Kind         ledger.OperationKind
	Delta        int64
	BalanceAfter int64
	OccurredAt   int64 // unix nanoseconds
}

// appendHistory writes the history row for one committed operation. The
// running balance extends the account's newest prior row, which holds as
// long as operations arrive in sequence order.
func appendHistory(ctx context.Context, tx *sql.Tx, op ledger.Operation) error {
	delta := int64(op.AmountOut)
	if op.Kind == ledger.KindWithdrawal {
		delta = -delta
	}

	var prev sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_after FROM vault.balance_history
		WHERE account = $1
		ORDER BY seq DESC
		LIMIT 1
	`, op.Account).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault.balance_history (account, seq, kind, delta, balance_after, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, seq) DO NOTHING
	`, op.Account, int64(op.Seq), int32(op.Kind), delta, prev.Int64+delta, op.OccurredAt.UnixNano())
	return err
}

// QueryByAccount returns an account's history, newest first. A beforeSeq
// cursor pages further back.
func QueryByAccount(ctx context.Context, db *sql.DB, account uuid.UUID, limit int, beforeSeq *uint64) ([]HistoryEntry, error) {
	query := `
		SELECT account, seq, kind, delta, balance_after, occurred_at
		FROM vault.balance_history
		WHERE account = $1
	`
	args := []interface{}{account}

	if beforeSeq != nil {
		query += ` AND seq < $2 ORDER BY seq DESC LIMIT $3`
		args = append(args, int64(*beforeSeq), limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var seq int64
		var kind int32
		if err := rows.Scan(&e.Account, &seq, &kind, &e.Delta, &e.BalanceAfter, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Kind = ledger.OperationKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
