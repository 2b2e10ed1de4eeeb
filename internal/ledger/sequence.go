package ledger

import (
	"fmt"
)

// SequenceChecker validates commit sequence contiguity during replay.
// Not thread-safe; only accessed from single-threaded recovery.
type SequenceChecker struct {
	next uint64
}

func NewSequenceChecker() *SequenceChecker {
	return &SequenceChecker{next: 1}
}

// Check enforces that seq is exactly the next expected value.
func (sc *SequenceChecker) Check(seq uint64) error {
	if seq < sc.next {
		// Stale or duplicated row in the log
		return fmt.Errorf("replayed sequence: expected=%d, got=%d", sc.next, seq)
	}
	if seq > sc.next {
		// Gap detected - the log lost a committed operation
		return fmt.Errorf("sequence gap: expected=%d, got=%d", sc.next, seq)
	}
	sc.next = seq + 1
	return nil
}

// Next returns the next expected sequence
func (sc *SequenceChecker) Next() uint64 {
	return sc.next
}

// SetNext initializes the expected sequence (used when resuming from a snapshot)
func (sc *SequenceChecker) SetNext(seq uint64) {
	sc.next = seq
}
