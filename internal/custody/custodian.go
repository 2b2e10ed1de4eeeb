package custody

import (
	"context"

	"github.com/google/uuid"
)

// Custodian moves underlying assets between depositor funding sources and
// the vault's own custody. It is the only component touching transfer
// rails; the ledger tracks value, the custodian moves it. Both methods
// must either settle fully or fail with nothing moved.
type Custodian interface {
	// Receive takes custody of amount minor units of asset from the
	// account's funding source.
	Receive(ctx context.Context, account uuid.UUID, asset string, amount uint64) error

	// Release transfers amount minor units of asset out of custody back
	// to the account.
	Release(ctx context.Context, account uuid.UUID, asset string, amount uint64) error
}
