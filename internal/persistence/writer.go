package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

func unixNanoUTC(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// OperationRow is the vault.operations representation of a committed
// operation. Amounts are stored as BIGINT; OccurredAt keeps full nanosecond
// precision because the commit hash covers it.
type OperationRow struct {
	OpID         uuid.UUID
	Seq          int64
	Kind         int32
	Account      uuid.UUID
	AssetIn      string
	AmountIn     int64
	AmountOut    int64
	ExpectedOut  int64
	MinOut       int64
	ToleranceBps int64
	OccurredAt   int64 // unix nanoseconds
	PrevHash     []byte
	Hash         []byte
}

// RowFromOperation converts a committed operation for storage.
func RowFromOperation(op ledger.Operation) OperationRow {
	return OperationRow{
		OpID:         op.ID,
		Seq:          int64(op.Seq),
		Kind:         int32(op.Kind),
		Account:      op.Account,
		AssetIn:      op.AssetIn,
		AmountIn:     int64(op.AmountIn),
		AmountOut:    int64(op.AmountOut),
		ExpectedOut:  int64(op.ExpectedOut),
		MinOut:       int64(op.MinOut),
		ToleranceBps: int64(op.ToleranceBps),
		OccurredAt:   op.OccurredAt.UnixNano(),
		PrevHash:     op.PrevHash[:],
		Hash:         op.Hash[:],
	}
}

// ToOperation converts a stored row back into a replayable operation.
func (r OperationRow) ToOperation() (ledger.Operation, error) {
	if r.Seq <= 0 {
		return ledger.Operation{}, fmt.Errorf("row %s has non-positive sequence %d", r.OpID, r.Seq)
	}
	if r.AmountIn < 0 || r.AmountOut < 0 || r.ExpectedOut < 0 || r.MinOut < 0 || r.ToleranceBps < 0 {
		return ledger.Operation{}, fmt.Errorf("row %s has negative amounts", r.OpID)
	}
	if len(r.PrevHash) != 32 || len(r.Hash) != 32 {
		return ledger.Operation{}, fmt.Errorf("row %s has malformed hashes", r.OpID)
	}

	op := ledger.Operation{
		ID:           r.OpID,
		Seq:          uint64(r.Seq),
		Kind:         ledger.OperationKind(r.Kind),
		Account:      r.Account,
		AssetIn:      r.AssetIn,
		AmountIn:     uint64(r.AmountIn),
		AmountOut:    uint64(r.AmountOut),
		ExpectedOut:  uint64(r.ExpectedOut),
		MinOut:       uint64(r.MinOut),
		ToleranceBps: uint64(r.ToleranceBps),
		OccurredAt:   unixNanoUTC(r.OccurredAt),
	}
	copy(op.PrevHash[:], r.PrevHash)
	copy(op.Hash[:], r.Hash)
	return op, nil
}

// OperationWriter writes committed operations and their derived rows to
// Postgres using batch inserts. Multi-row INSERT keeps the writer portable;
// switch to pgx CopyFrom if throughput ever demands it.
type OperationWriter struct {
	db *sql.DB
}

func NewOperationWriter(db *sql.DB) *OperationWriter {
	return &OperationWriter{db: db}
}

type opKey struct {
	id   uuid.UUID
	kind int32
}

// WriteOperations inserts a batch into vault.operations and returns the
// subset of rows that were actually new. Re-sent rows conflict on
// (op_id, kind) and are skipped, which keeps balance and state deltas from
// double-counting across retries.
func (w *OperationWriter) WriteOperations(ctx context.Context, tx *sql.Tx, rows []OperationRow) ([]OperationRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	query := `INSERT INTO vault.operations
		(op_id, seq, kind, account, asset_in, amount_in, amount_out, expected_out, min_out, tolerance_bps, occurred_at, prev_hash, hash)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*13)

	for i, r := range rows {
		base := i * 13
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13,
		))
		args = append(args,
			r.OpID, r.Seq, r.Kind, r.Account, r.AssetIn,
			r.AmountIn, r.AmountOut, r.ExpectedOut, r.MinOut, r.ToleranceBps,
			r.OccurredAt, r.PrevHash, r.Hash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (op_id, kind) DO NOTHING RETURNING op_id, kind"

	result, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	inserted := make(map[opKey]bool, len(rows))
	for result.Next() {
		var id uuid.UUID
		var kind int32
		if err := result.Scan(&id, &kind); err != nil {
			return nil, err
		}
		inserted[opKey{id: id, kind: kind}] = true
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	applied := make([]OperationRow, 0, len(inserted))
	for _, r := range rows {
		if inserted[opKey{id: r.OpID, kind: r.Kind}] {
			applied = append(applied, r)
		}
	}
	return applied, nil
}

// ApplyBalances folds the applied rows into vault.balances. Deltas are
// aggregated per account first so a batch touches each row once.
func (w *OperationWriter) ApplyBalances(ctx context.Context, tx *sql.Tx, applied []OperationRow) error {
	type accountDelta struct {
		delta   int64
		lastSeq int64
	}

	deltas := make(map[uuid.UUID]*accountDelta)
	order := make([]uuid.UUID, 0, len(applied))

	for _, r := range applied {
		d, ok := deltas[r.Account]
		if !ok {
			d = &accountDelta{}
			deltas[r.Account] = d
			order = append(order, r.Account)
		}
		if ledger.OperationKind(r.Kind) == ledger.KindWithdrawal {
			d.delta -= r.AmountOut
		} else {
			d.delta += r.AmountOut
		}
		if r.Seq > d.lastSeq {
			d.lastSeq = r.Seq
		}
	}

	for _, account := range order {
		d := deltas[account]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault.balances (account, balance, updated_seq)
			VALUES ($1, $2, $3)
			ON CONFLICT (account) DO UPDATE SET
				balance     = vault.balances.balance + $2,
				updated_seq = GREATEST(vault.balances.updated_seq, $3)
		`, account, d.delta, d.lastSeq); err != nil {
			return fmt.Errorf("upsert balance for %s: %w", account, err)
		}
	}
	return nil
}

// ApplyState folds the applied rows into the single vault.state row. The
// chain tip only advances when the batch carries a newer sequence.
func (w *OperationWriter) ApplyState(ctx context.Context, tx *sql.Tx, applied []OperationRow) error {
	if len(applied) == 0 {
		return nil
	}

	var (
		totalDelta   int64
		depositCount int64
		withdrawals  int64
		maxSeq       int64
		tip          []byte
	)
	for _, r := range applied {
		if ledger.OperationKind(r.Kind) == ledger.KindWithdrawal {
			totalDelta -= r.AmountOut
			withdrawals++
		} else {
			totalDelta += r.AmountOut
			depositCount++
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
			tip = r.Hash
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.state (id, total, deposit_count, withdrawal_count, next_seq, chain_tip)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			total            = vault.state.total + $1,
			deposit_count    = vault.state.deposit_count + $2,
			withdrawal_count = vault.state.withdrawal_count + $3,
			next_seq         = GREATEST(vault.state.next_seq, EXCLUDED.next_seq),
			chain_tip        = CASE WHEN EXCLUDED.next_seq > vault.state.next_seq
			                        THEN EXCLUDED.chain_tip ELSE vault.state.chain_tip END,
			updated_at       = NOW()
	`, totalDelta, depositCount, withdrawals, maxSeq+1, tip)
	return err
}
