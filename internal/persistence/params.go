package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// LoadSlippageTolerance reads the admin-set guard tolerance from the state
// row. The second return is false when no administrator has ever stored
// one, in which case the configured default applies.
func LoadSlippageTolerance(ctx context.Context, db *sql.DB) (uint64, bool, error) {
	var stored sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT slippage_bps FROM vault.state WHERE id = 1
	`).Scan(&stored)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load slippage tolerance: %w", err)
	}
	if !stored.Valid || stored.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(stored.Int64), true, nil
}

// SaveSlippageTolerance stores the guard tolerance so it survives restarts,
// creating the state row when no operation has committed yet.
func SaveSlippageTolerance(ctx context.Context, db *sql.DB, bps uint64) error {
	zeroTip := make([]byte, 32)
	_, err := db.ExecContext(ctx, `
		INSERT INTO vault.state (id, total, deposit_count, withdrawal_count, next_seq, chain_tip, slippage_bps)
		VALUES (1, 0, 0, 0, 1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			slippage_bps = EXCLUDED.slippage_bps,
			updated_at   = NOW()
	`, zeroTip, int64(bps))
	if err != nil {
		return fmt.Errorf("save slippage tolerance: %w", err)
	}
	return nil
}
