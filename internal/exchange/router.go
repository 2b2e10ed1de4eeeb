package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultSwapTTL bounds how long an exchange execution may remain pending
// before the router must abandon it.
const DefaultSwapTTL = 15 * time.Minute

// SwapRequest instructs the router to sell AmountIn of the route's source
// asset for the unit of account, settling into Recipient's custody.
type SwapRequest struct {
	Route        string    // source asset symbol
	AmountIn     uint64    // minor units of the source asset
	MinAmountOut uint64    // swap must not settle below this unit amount
	Recipient    uuid.UUID // custody account the output lands in
	Deadline     time.Time // execution must settle before this instant
}

// SwapResult reports a settled swap.
type SwapResult struct {
	AmountOut uint64 // unit minor units actually received
}

// Router quotes and executes swaps from deposit assets into the unit of
// account. Quotes reflect live market state and are estimates only; the
// executed output is bounded by SwapRequest.MinAmountOut, which the router
// must enforce atomically (no partial settlement). Implementations must be
// safe for concurrent use.
type Router interface {
	// AmountOut quotes how many unit minor units amountIn of asset buys now.
	AmountOut(ctx context.Context, asset string, amountIn uint64) (uint64, error)

	// HasDirectRoute reports whether asset can be swapped directly into the unit.
	HasDirectRoute(ctx context.Context, asset string) (bool, error)

	// ExecuteSwap performs the swap, settling at least req.MinAmountOut or
	// failing with nothing settled.
	ExecuteSwap(ctx context.Context, req SwapRequest) (SwapResult, error)
}
