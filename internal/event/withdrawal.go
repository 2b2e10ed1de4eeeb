package event

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

// WithdrawalCommitted is emitted after a withdrawal debit becomes part of
// the ledger's committed history. Custody release happens afterward, so
// this event does not imply assets have left the vault yet.
type WithdrawalCommitted struct {
	OpID     uuid.UUID `json:"op_id"`
	Seq      uint64    `json:"seq"`
	Account  uuid.UUID `json:"account"`
	Asset    string    `json:"asset"`
	Amount   uint64    `json:"amount"`
	Hash     string    `json:"hash"`
	PrevHash string    `json:"prev_hash"`
}

func NewWithdrawalCommitted(op ledger.Operation) (Envelope, error) {
	return newEnvelope(TypeWithdrawalCommitted, op.OccurredAt, WithdrawalCommitted{
		OpID:     op.ID,
		Seq:      op.Seq,
		Account:  op.Account,
		Asset:    op.AssetIn,
		Amount:   op.AmountOut,
		Hash:     hex.EncodeToString(op.Hash[:]),
		PrevHash: hex.EncodeToString(op.PrevHash[:]),
	})
}
