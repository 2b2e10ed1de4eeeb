package event

import "time"

// SlippageUpdated is emitted when an operator changes the deposit slippage
// tolerance.
type SlippageUpdated struct {
	OldBps uint64 `json:"old_bps"`
	NewBps uint64 `json:"new_bps"`
}

func NewSlippageUpdated(oldBps, newBps uint64, at time.Time) (Envelope, error) {
	return newEnvelope(TypeSlippageUpdated, at, SlippageUpdated{
		OldBps: oldBps,
		NewBps: newBps,
	})
}
