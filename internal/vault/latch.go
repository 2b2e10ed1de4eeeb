package vault

import "sync/atomic"

// latch is the vault-wide settlement guard. It is taken before the first
// external call of an operation and dropped only after the operation fully
// commits or aborts; a nested or concurrent attempt is rejected, never
// queued, so no caller can observe intermediate state.
type latch struct {
	busy atomic.Bool
}

// acquire attempts to take the latch. False means an operation is in flight.
func (g *latch) acquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

func (g *latch) release() {
	g.busy.Store(false)
}
