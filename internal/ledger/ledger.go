package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	bpsmath "github.com/AlanLeo32/kipubankv3/internal/math"
)

// Ledger maintains exact unit-of-account balances per account plus the
// aggregate total, and commits every mutation as a hash-chained Operation.
//
// Mutations are serialized upstream by the vault settlement latch; the
// embedded lock exists so concurrent readers observe consistent state.
type Ledger struct {
	mu sync.RWMutex

	balances map[uuid.UUID]uint64
	total    uint64
	ceiling  uint64

	depositCount    uint64
	withdrawalCount uint64

	hasher  *ChainHasher
	nextSeq uint64
}

// NewLedger creates an empty ledger bounded by the given capacity ceiling.
func NewLedger(ceiling uint64) *Ledger {
	return &Ledger{
		balances: make(map[uuid.UUID]uint64),
		ceiling:  ceiling,
		hasher:   NewChainHasher(),
		nextSeq:  1,
	}
}

// CheckProjected verifies that crediting incoming on top of current stays
// within ceiling. The comparison is phrased against remaining headroom so
// it cannot overflow.
func CheckProjected(current, incoming, ceiling uint64) error {
	available := bpsmath.SaturatingSub(ceiling, current)
	if incoming > available {
		return &CapacityExceededError{Requested: incoming, Available: available}
	}
	return nil
}

// CheckCapacity verifies the projected total if incoming units were
// credited right now.
func (l *Ledger) CheckCapacity(incoming uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return CheckProjected(l.total, incoming, l.ceiling)
}

// AvailableCapacity returns the remaining headroom under the ceiling.
func (l *Ledger) AvailableCapacity() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return bpsmath.SaturatingSub(l.ceiling, l.total)
}

// Ceiling returns the capacity ceiling fixed at construction.
func (l *Ledger) Ceiling() uint64 {
	return l.ceiling
}

// Balance returns the current unit balance for an account.
func (l *Ledger) Balance(account uuid.UUID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Total returns the aggregate of all account balances.
func (l *Ledger) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Counts returns the number of committed deposits and withdrawals.
func (l *Ledger) Counts() (deposits, withdrawals uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.depositCount, l.withdrawalCount
}

// NextSeq returns the sequence the next committed operation will take.
func (l *Ledger) NextSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

// ChainTip returns the hash chain tip over committed operations.
func (l *Ledger) ChainTip() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasher.Tip()
}

// Credit validates projected capacity, then credits op.AmountOut to the
// account and the aggregate total and commits op as the next chain link.
// On error no state changes.
func (l *Ledger) Credit(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, fmt.Errorf("invalid credit: %w", err)
	}
	if op.Kind != KindDeposit {
		return Operation{}, fmt.Errorf("credit requires a deposit operation, got %s", op.Kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := CheckProjected(l.total, op.AmountOut, l.ceiling); err != nil {
		return Operation{}, err
	}

	l.balances[op.Account] += op.AmountOut
	l.total += op.AmountOut
	l.depositCount++

	return l.commitLocked(op), nil
}

// Debit verifies the account holds at least op.AmountOut, then debits the
// account and the aggregate total and commits op as the next chain link.
// On error no state changes.
func (l *Ledger) Debit(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, fmt.Errorf("invalid debit: %w", err)
	}
	if op.Kind != KindWithdrawal {
		return Operation{}, fmt.Errorf("debit requires a withdrawal operation, got %s", op.Kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[op.Account]
	if balance < op.AmountOut {
		return Operation{}, &InsufficientBalanceError{Requested: op.AmountOut, Available: balance}
	}

	if remaining := balance - op.AmountOut; remaining == 0 {
		delete(l.balances, op.Account)
	} else {
		l.balances[op.Account] = remaining
	}
	l.total -= op.AmountOut
	l.withdrawalCount++

	return l.commitLocked(op), nil
}

// commitLocked assigns the next sequence and hash chain link. Callers hold mu.
func (l *Ledger) commitLocked(op Operation) Operation {
	op.Seq = l.nextSeq
	op.PrevHash = l.hasher.Tip()
	op.Hash = l.hasher.ComputeHash(op.Seq, op.Digest())
	l.nextSeq++
	return op
}

// Replay applies a previously committed operation during recovery. The
// stored sequence and hashes are verified against the chain instead of
// being reassigned.
func (l *Ledger) Replay(op Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid replayed operation: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if op.Seq != l.nextSeq {
		return fmt.Errorf("replay out of sequence: expected=%d, got=%d", l.nextSeq, op.Seq)
	}
	if op.PrevHash != l.hasher.Tip() {
		return fmt.Errorf("replay prev hash mismatch at sequence %d", op.Seq)
	}

	scratch := NewChainHasher()
	scratch.SetTip(l.hasher.Tip())
	if scratch.ComputeHash(op.Seq, op.Digest()) != op.Hash {
		return fmt.Errorf("replay hash mismatch at sequence %d", op.Seq)
	}

	switch op.Kind {
	case KindDeposit:
		if err := CheckProjected(l.total, op.AmountOut, l.ceiling); err != nil {
			return fmt.Errorf("replay at sequence %d: %w", op.Seq, err)
		}
		l.balances[op.Account] += op.AmountOut
		l.total += op.AmountOut
		l.depositCount++
	case KindWithdrawal:
		balance := l.balances[op.Account]
		if balance < op.AmountOut {
			return fmt.Errorf("replay at sequence %d: %w", op.Seq,
				&InsufficientBalanceError{Requested: op.AmountOut, Available: balance})
		}
		if remaining := balance - op.AmountOut; remaining == 0 {
			delete(l.balances, op.Account)
		} else {
			l.balances[op.Account] = remaining
		}
		l.total -= op.AmountOut
		l.withdrawalCount++
	}

	l.hasher.SetTip(op.Hash)
	l.nextSeq++

	return nil
}

// Snapshot captures the full accounting state. The balance map is a copy.
type Snapshot struct {
	Balances        map[uuid.UUID]uint64
	Total           uint64
	DepositCount    uint64
	WithdrawalCount uint64
	NextSeq         uint64
	ChainTip        [32]byte
}

// Snapshot returns a copy of the accounting state (for persistence and queries)
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balances := make(map[uuid.UUID]uint64, len(l.balances))
	for k, v := range l.balances {
		balances[k] = v
	}

	return Snapshot{
		Balances:        balances,
		Total:           l.total,
		DepositCount:    l.depositCount,
		WithdrawalCount: l.withdrawalCount,
		NextSeq:         l.nextSeq,
		ChainTip:        l.hasher.Tip(),
	}
}

// Restore replaces the ledger state with a snapshot after validating its
// internal consistency. Used during recovery before serving traffic.
func (l *Ledger) Restore(snap Snapshot) error {
	var sum uint64
	for account, balance := range snap.Balances {
		if !ValidAccount(account) {
			return fmt.Errorf("snapshot holds balance for the reserved zero account")
		}
		if balance == 0 {
			return fmt.Errorf("snapshot holds zero balance for %s", AccountPath(account))
		}
		if sum+balance < sum {
			return fmt.Errorf("snapshot balances overflow uint64")
		}
		sum += balance
	}
	if sum != snap.Total {
		return fmt.Errorf("snapshot total %d does not match balance sum %d", snap.Total, sum)
	}
	if snap.Total > l.ceiling {
		return fmt.Errorf("snapshot total %d exceeds ceiling %d", snap.Total, l.ceiling)
	}
	if snap.NextSeq == 0 {
		return fmt.Errorf("snapshot next sequence must be at least 1")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balances := make(map[uuid.UUID]uint64, len(snap.Balances))
	for k, v := range snap.Balances {
		balances[k] = v
	}

	l.balances = balances
	l.total = snap.Total
	l.depositCount = snap.DepositCount
	l.withdrawalCount = snap.WithdrawalCount
	l.nextSeq = snap.NextSeq
	l.hasher.SetTip(snap.ChainTip)

	return nil
}
