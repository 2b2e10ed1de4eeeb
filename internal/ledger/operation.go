package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationKind represents the purpose of a committed operation
type OperationKind int32

const (
	KindDeposit OperationKind = iota
	KindWithdrawal
)

func (k OperationKind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

// KindFromString maps a wire name back to its kind.
func KindFromString(s string) (OperationKind, bool) {
	switch s {
	case "deposit":
		return KindDeposit, true
	case "withdrawal":
		return KindWithdrawal, true
	default:
		return 0, false
	}
}

// Operation is a single committed ledger mutation. Seq, PrevHash and Hash
// are assigned by the ledger at commit time; every other field is fixed by
// the orchestrator before commit.
type Operation struct {
	ID           uuid.UUID // Unique identifier, doubles as idempotency key
	Seq          uint64    // Global commit sequence, starts at 1
	Kind         OperationKind
	Account      uuid.UUID // Balance owner
	AssetIn      string    // Asset received from (deposit) or paid to (withdrawal) the caller
	AmountIn     uint64    // Native amount of AssetIn
	AmountOut    uint64    // Unit-of-account amount credited or debited
	ExpectedOut  uint64    // Quoted unit output (zero when no swap was involved)
	MinOut       uint64    // Enforced output floor (zero when no swap was involved)
	ToleranceBps uint64    // Slippage tolerance applied to the quote
	OccurredAt   time.Time
	PrevHash     [32]byte
	Hash         [32]byte
}

// Validate ensures the operation is well-formed before commit.
func (op *Operation) Validate() error {
	if op.ID == uuid.Nil {
		return fmt.Errorf("operation has zero ID")
	}
	if !ValidAccount(op.Account) {
		return fmt.Errorf("operation %s has invalid account", op.ID)
	}
	if op.AmountOut == 0 {
		return fmt.Errorf("operation %s has zero unit amount", op.ID)
	}
	if op.AssetIn == "" {
		return fmt.Errorf("operation %s has empty asset", op.ID)
	}
	switch op.Kind {
	case KindDeposit, KindWithdrawal:
	default:
		return fmt.Errorf("operation %s has unknown kind %d", op.ID, op.Kind)
	}
	return nil
}

// Digest returns the deterministic byte encoding hashed into the chain.
// Field order and widths are fixed; changing them breaks chain verification
// for persisted history.
func (op *Operation) Digest() []byte {
	buf := make([]byte, 0, 112+len(op.AssetIn))

	buf = append(buf, op.ID[:]...)
	buf = append(buf, op.Account[:]...)
	buf = appendUint64(buf, uint64(op.Kind))
	buf = appendUint64(buf, uint64(len(op.AssetIn)))
	buf = append(buf, op.AssetIn...)
	buf = appendUint64(buf, op.AmountIn)
	buf = appendUint64(buf, op.AmountOut)
	buf = appendUint64(buf, op.ExpectedOut)
	buf = appendUint64(buf, op.MinOut)
	buf = appendUint64(buf, op.ToleranceBps)
	buf = appendUint64(buf, uint64(op.OccurredAt.UnixNano()))

	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
