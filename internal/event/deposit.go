package event

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/ledger"
)

// DepositCommitted is emitted after a deposit credit becomes part of the
// ledger's committed history.
type DepositCommitted struct {
	OpID         uuid.UUID `json:"op_id"`
	Seq          uint64    `json:"seq"`
	Account      uuid.UUID `json:"account"`
	AssetIn      string    `json:"asset_in"`
	AmountIn     uint64    `json:"amount_in"`
	AmountOut    uint64    `json:"amount_out"`
	ExpectedOut  uint64    `json:"expected_out"`
	MinOut       uint64    `json:"min_out"`
	ToleranceBps uint64    `json:"tolerance_bps"`
	Hash         string    `json:"hash"`
	PrevHash     string    `json:"prev_hash"`
}

func NewDepositCommitted(op ledger.Operation) (Envelope, error) {
	return newEnvelope(TypeDepositCommitted, op.OccurredAt, DepositCommitted{
		OpID:         op.ID,
		Seq:          op.Seq,
		Account:      op.Account,
		AssetIn:      op.AssetIn,
		AmountIn:     op.AmountIn,
		AmountOut:    op.AmountOut,
		ExpectedOut:  op.ExpectedOut,
		MinOut:       op.MinOut,
		ToleranceBps: op.ToleranceBps,
		Hash:         hex.EncodeToString(op.Hash[:]),
		PrevHash:     hex.EncodeToString(op.PrevHash[:]),
	})
}
