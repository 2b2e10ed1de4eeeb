package query

import "github.com/google/uuid"

// BalanceResponse is the projected balance of one account. AsOfSequence
// tells the caller how far behind the committed log the projection may be.
type BalanceResponse struct {
	Account      uuid.UUID `json:"account"`
	Balance      int64     `json:"balance"`
	UpdatedSeq   int64     `json:"updated_seq"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// OperationResponse is a committed operation read back from the log.
type OperationResponse struct {
	OpID         uuid.UUID `json:"op_id"`
	Seq          int64     `json:"seq"`
	Kind         string    `json:"kind"`
	Account      uuid.UUID `json:"account"`
	AssetIn      string    `json:"asset_in"`
	AmountIn     int64     `json:"amount_in"`
	AmountOut    int64     `json:"amount_out"`
	ExpectedOut  int64     `json:"expected_out"`
	MinOut       int64     `json:"min_out"`
	ToleranceBps int64     `json:"tolerance_bps"`
	OccurredAt   int64     `json:"occurred_at"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// HistoryResponse is one running-balance history row.
type HistoryResponse struct {
	Account      uuid.UUID `json:"account"`
	Seq          int64     `json:"seq"`
	Kind         string    `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	OccurredAt   int64     `json:"occurred_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool           `json:"is_healthy"`
	HashChainBreaks []int64        `json:"hash_chain_breaks,omitempty"`
	TotalMismatch   *TotalMismatch `json:"total_mismatch,omitempty"`
}

// TotalMismatch reports disagreement between the aggregate state row and
// the sum of per-account balances.
type TotalMismatch struct {
	StateTotal    int64 `json:"state_total"`
	BalancesTotal int64 `json:"balances_total"`
}
