package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
)

const watermarkName = "balance_history"

// Worker updates projection tables from committed operations. The feed is
// non-blocking on the vault side, so the worker may miss operations under
// load; RebuildProjections recovers the tables from the durable log.
type Worker struct {
	db     *sql.DB
	input  <-chan ledger.Operation
	logger zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan ledger.Operation) *Worker {
	return &Worker{
		db:     db,
		input:  input,
		logger: observability.NewLogger("projection"),
	}
}

// Run drains the projection feed until the context ends or the channel
// closes. Failures are logged and skipped: projections are eventually
// consistent and rebuildable.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case op, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, op); err != nil {
				w.logger.Warn().
					Err(err).
					Uint64("seq", op.Seq).
					Msg("projection update failed")
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, op ledger.Operation) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendHistory(ctx, tx, op); err != nil {
		return fmt.Errorf("balance history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault.projection_watermark (projection, last_seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET
			last_seq   = GREATEST(vault.projection_watermark.last_seq, $2),
			updated_at = NOW()
	`, watermarkName, int64(op.Seq)); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections recomputes projection tables from the operation log.
// Running balances come from a window sum over per-operation deltas.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE vault.balance_history`,
		`DELETE FROM vault.projection_watermark WHERE projection = '` + watermarkName + `'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO vault.balance_history (account, seq, kind, delta, balance_after, occurred_at)
		SELECT account, seq, kind, delta,
		       SUM(delta) OVER (PARTITION BY account ORDER BY seq),
		       occurred_at
		FROM (
			SELECT account, seq, kind,
			       CASE WHEN kind = $1 THEN -amount_out ELSE amount_out END AS delta,
			       occurred_at
			FROM vault.operations
		) deltas
		ON CONFLICT (account, seq) DO NOTHING
	`, int32(ledger.KindWithdrawal)); err != nil {
		return fmt.Errorf("rebuild balance history: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO vault.projection_watermark (projection, last_seq, updated_at)
		SELECT $1, COALESCE(MAX(seq), 0), NOW() FROM vault.operations
		ON CONFLICT (projection) DO UPDATE SET
			last_seq = EXCLUDED.last_seq, updated_at = NOW()
	`, watermarkName); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
