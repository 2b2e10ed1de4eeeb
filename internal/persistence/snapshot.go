package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

// SnapshotStore persists ledger snapshots and reads back committed
// operations for replay.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// snapshotDoc is the stored JSON shape of a ledger snapshot. Hashes are hex
// so the document stays greppable in psql.
type snapshotDoc struct {
	Balances        map[string]uint64 `json:"balances"`
	Total           uint64            `json:"total"`
	DepositCount    uint64            `json:"deposit_count"`
	WithdrawalCount uint64            `json:"withdrawal_count"`
	NextSeq         uint64            `json:"next_seq"`
	ChainTip        string            `json:"chain_tip"`
}

func encodeSnapshot(snap ledger.Snapshot) ([]byte, error) {
	doc := snapshotDoc{
		Balances:        make(map[string]uint64, len(snap.Balances)),
		Total:           snap.Total,
		DepositCount:    snap.DepositCount,
		WithdrawalCount: snap.WithdrawalCount,
		NextSeq:         snap.NextSeq,
		ChainTip:        hex.EncodeToString(snap.ChainTip[:]),
	}
	for account, balance := range snap.Balances {
		doc.Balances[account.String()] = balance
	}
	return json.Marshal(doc)
}

func decodeSnapshot(data []byte) (ledger.Snapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	tip, err := hex.DecodeString(doc.ChainTip)
	if err != nil || len(tip) != 32 {
		return ledger.Snapshot{}, fmt.Errorf("snapshot has malformed chain tip %q", doc.ChainTip)
	}

	snap := ledger.Snapshot{
		Balances:        make(map[uuid.UUID]uint64, len(doc.Balances)),
		Total:           doc.Total,
		DepositCount:    doc.DepositCount,
		WithdrawalCount: doc.WithdrawalCount,
		NextSeq:         doc.NextSeq,
	}
	copy(snap.ChainTip[:], tip)

	for accountStr, balance := range doc.Balances {
		account, err := ledger.ParseAccount(accountStr)
		if err != nil {
			return ledger.Snapshot{}, fmt.Errorf("snapshot account: %w", err)
		}
		snap.Balances[account] = balance
	}
	return snap, nil
}

// Save persists a snapshot keyed by the last applied sequence. Saving the
// same sequence twice overwrites, which makes periodic snapshotting
// restart-safe.
func (s *SnapshotStore) Save(ctx context.Context, snap ledger.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	lastApplied := int64(snap.NextSeq) - 1

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vault.snapshots
			(snapshot_id, sequence, data, chain_tip, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, 1, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET
			data = EXCLUDED.data, chain_tip = EXCLUDED.chain_tip, size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), lastApplied, data, snap.ChainTip[:], len(data), time.Now().UTC())
	return err
}

// LoadLatest loads the most recent verified snapshot. A nil snapshot with a
// nil error means the store is empty and recovery starts cold.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*ledger.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM vault.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after its replay check passed.
func (s *SnapshotStore) MarkVerified(ctx context.Context, sequence uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vault.snapshots SET verified = TRUE WHERE sequence = $1
	`, int64(sequence))
	return err
}

// LoadOperationsFrom pages committed operations in sequence order.
func (s *SnapshotStore) LoadOperationsFrom(ctx context.Context, fromSeq uint64, limit int) ([]ledger.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, seq, kind, account, asset_in, amount_in, amount_out,
		       expected_out, min_out, tolerance_bps, occurred_at, prev_hash, hash
		FROM vault.operations
		WHERE seq >= $1
		ORDER BY seq ASC
		LIMIT $2
	`, int64(fromSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []ledger.Operation
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(
			&r.OpID, &r.Seq, &r.Kind, &r.Account, &r.AssetIn,
			&r.AmountIn, &r.AmountOut, &r.ExpectedOut, &r.MinOut, &r.ToleranceBps,
			&r.OccurredAt, &r.PrevHash, &r.Hash,
		); err != nil {
			return nil, err
		}
		op, err := r.ToOperation()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// LatestSequence returns the highest committed sequence, zero when empty.
func (s *SnapshotStore) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM vault.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// RecentOpKeys returns the newest composite dedupe keys for LRU warming.
func (s *SnapshotStore) RecentOpKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, op_id FROM vault.operations
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var kind int32
		var opID uuid.UUID
		if err := rows.Scan(&kind, &opID); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", ledger.OperationKind(kind), opID))
	}
	return keys, rows.Err()
}
