package ledger

import "fmt"

// CapacityExceededError rejects a credit that would push the aggregate
// balance past the capacity ceiling.
type CapacityExceededError struct {
	Requested uint64 // unit amount asked for
	Available uint64 // remaining headroom under the ceiling
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: requested=%d, available=%d", e.Requested, e.Available)
}

// InsufficientBalanceError rejects a debit larger than the account balance.
type InsufficientBalanceError struct {
	Requested uint64
	Available uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested=%d, available=%d", e.Requested, e.Available)
}

// ChainBreakError reports the first operation where hash chain verification
// failed, either a sequence discontinuity or a digest that does not match
// the stored row.
type ChainBreakError struct {
	Seq    uint64
	Reason string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("chain break at operation %d: %s", e.Seq, e.Reason)
}
