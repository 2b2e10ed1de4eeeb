package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDepositCommitted
	TypeWithdrawalCommitted
	TypeSlippageUpdated
)

// String returns the wire name of the type. It doubles as the final token
// of the publish subject, so names stay lowercase.
func (t Type) String() string {
	switch t {
	case TypeDepositCommitted:
		return "deposit_committed"
	case TypeWithdrawalCommitted:
		return "withdrawal_committed"
	case TypeSlippageUpdated:
		return "slippage_updated"
	default:
		return "unknown"
	}
}

// Envelope wraps every outbound event. Payload is pre-marshaled JSON so the
// publisher never needs to know payload shapes.
type Envelope struct {
	// Unique per emission, not per operation
	EventID uuid.UUID `json:"event_id"`

	// Wire name of the payload type
	EventType string `json:"event_type"`

	// When the underlying state change happened
	OccurredAt time.Time `json:"occurred_at"`

	// Event-specific data
	Payload json.RawMessage `json:"payload"`
}

func newEnvelope(t Type, occurredAt time.Time, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		EventID:    uuid.New(),
		EventType:  t.String(),
		OccurredAt: occurredAt,
		Payload:    raw,
	}, nil
}

// FromOperation builds the canonical event for a committed operation.
func FromOperation(op ledger.Operation) (Envelope, error) {
	switch op.Kind {
	case ledger.KindDeposit:
		return NewDepositCommitted(op)
	case ledger.KindWithdrawal:
		return NewWithdrawalCommitted(op)
	default:
		return Envelope{}, fmt.Errorf("no event for operation kind %d", op.Kind)
	}
}
