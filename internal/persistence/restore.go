package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
)

const replayPageSize = 1_000

// RecoverLedger rebuilds in-memory state on startup: restore the latest
// verified snapshot if one exists, then replay every operation from the
// snapshot's frontier. Replay re-verifies the hash chain, so a corrupted
// log fails recovery instead of silently loading bad balances.
func RecoverLedger(ctx context.Context, store *SnapshotStore, led *ledger.Ledger, metrics *observability.Metrics) (uint64, error) {
	logger := observability.NewLogger("recovery")
	start := time.Now()

	snap, err := store.LoadLatest(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := led.Restore(*snap); err != nil {
			return 0, fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info().
			Uint64("next_seq", snap.NextSeq).
			Int("accounts", len(snap.Balances)).
			Msg("snapshot restored")
	}

	var replayed uint64
	for {
		ops, err := store.LoadOperationsFrom(ctx, led.NextSeq(), replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load operations: %w", err)
		}
		if len(ops) == 0 {
			break
		}
		for _, op := range ops {
			if err := led.Replay(op); err != nil {
				return replayed, fmt.Errorf("replay seq %d: %w", op.Seq, err)
			}
			replayed++
		}
		if len(ops) < replayPageSize {
			break
		}
	}

	validator := ledger.NewInvariantValidator(led)
	if err := validator.ValidateConservation(); err != nil {
		return replayed, fmt.Errorf("after recovery: %w", err)
	}
	if err := validator.ValidateCeiling(); err != nil {
		return replayed, fmt.Errorf("after recovery: %w", err)
	}

	if metrics != nil {
		metrics.ReplayOperations.Add(float64(replayed))
		metrics.ReplaySeconds.Set(time.Since(start).Seconds())
	}

	logger.Info().
		Uint64("replayed", replayed).
		Uint64("next_seq", led.NextSeq()).
		Dur("took", time.Since(start)).
		Msg("ledger recovered")
	return replayed, nil
}
