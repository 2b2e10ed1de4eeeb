package query

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/projection"
)

// ProjectedBalance reads an account's balance from the projection tables.
// It lags the in-memory ledger by the persistence pipeline depth; the
// AsOfSequence field tells callers how far behind the read is.
func (s *Service) ProjectedBalance(ctx context.Context, account uuid.UUID) (*BalanceResponse, error) {
	watermark, err := s.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &BalanceResponse{
		Account:      account,
		AsOfSequence: int64(watermark),
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT balance, updated_seq FROM vault.balances WHERE account = $1
	`, account).Scan(&resp.Balance, &resp.UpdatedSeq)
	if err == sql.ErrNoRows {
		// Unknown accounts read as zero, matching the ledger.
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BalanceHistory returns an account's balance timeline, newest first.
func (s *Service) BalanceHistory(ctx context.Context, account uuid.UUID, limit int, beforeSeq *uint64) ([]HistoryResponse, error) {
	watermark, err := s.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := projection.QueryByAccount(ctx, s.db, account, limit, beforeSeq)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			Account:      e.Account,
			Seq:          int64(e.Seq),
			Kind:         e.Kind.String(),
			Delta:        e.Delta,
			BalanceAfter: e.BalanceAfter,
			OccurredAt:   e.OccurredAt,
			AsOfSequence: int64(watermark),
		})
	}
	return out, nil
}
