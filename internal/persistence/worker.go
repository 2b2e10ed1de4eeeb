package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
)

const finalFlushTimeout = 10 * time.Second

// Worker drains the persist channel and batch-writes to Postgres. The vault
// sends on this channel with a BLOCKING send, so if the worker falls behind,
// settlement stalls rather than losing a committed operation.
type Worker struct {
	db           *sql.DB
	writer       *OperationWriter
	input        <-chan ledger.Operation
	seq          *ledger.SequenceChecker
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	input <-chan ledger.Operation,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewOperationWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       observability.NewLogger("persistence"),
		metrics:      metrics,
	}
}

// Run batches incoming operations and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]OperationRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush(batch)
			return ctx.Err()

		case op, ok := <-w.input:
			if !ok {
				w.finalFlush(batch)
				return nil
			}

			// The feed must be contiguous: one producer, one send per
			// commit. A break here is a producer bug, logged before the
			// unique index turns it into an opaque conflict.
			if w.seq == nil {
				w.seq = ledger.NewSequenceChecker()
				w.seq.SetNext(op.Seq)
			}
			if err := w.seq.Check(op.Seq); err != nil {
				w.logger.Error().Err(err).Uint64("seq", op.Seq).Msg("commit feed discontinuity")
			}

			batch = append(batch, RowFromOperation(op))

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// finalFlush writes whatever is buffered during shutdown. The run context is
// already cancelled at this point, so it uses a fresh bounded one.
func (w *Worker) finalFlush(batch []OperationRow) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := w.flush(flushCtx, batch); err != nil {
		w.logger.Error().Err(err).Int("operations", len(batch)).Msg("final flush failed")
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops operations: it retries until the write succeeds or shutdown
// forces one last attempt.
func (w *Worker) flushWithRetry(ctx context.Context, batch []OperationRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("operations", len(batch)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetries.Inc()
			}

			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
				defer cancel()
				return w.flush(flushCtx, batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []OperationRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	applied, err := w.writer.WriteOperations(ctx, tx, batch)
	if err != nil {
		w.countError("write_operations")
		return err
	}
	if err := w.writer.ApplyBalances(ctx, tx, applied); err != nil {
		w.countError("apply_balances")
		return err
	}
	if err := w.writer.ApplyState(ctx, tx, applied); err != nil {
		w.countError("apply_state")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistFlushSeconds.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistOpsWritten.Add(float64(len(applied)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Seq))
	}

	return nil
}

func (w *Worker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
