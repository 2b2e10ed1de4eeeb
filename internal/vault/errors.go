package vault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrZeroAmount rejects operations on a zero amount.
	ErrZeroAmount = errors.New("amount must be greater than zero")

	// ErrInvalidIdentity rejects the reserved zero account.
	ErrInvalidIdentity = errors.New("invalid account identity")

	// ErrInsufficientOutput rejects a swap that quoted or settled zero units.
	ErrInsufficientOutput = errors.New("exchange output is zero")

	// ErrExcessiveSlippage rejects output bounds looser than the guard allows.
	ErrExcessiveSlippage = errors.New("minimum output below the slippage guard")

	// ErrInvalidSlippage rejects tolerance settings above the maximum.
	ErrInvalidSlippage = errors.New("slippage tolerance above maximum")

	// ErrReentrantCall rejects an operation while another is in flight.
	ErrReentrantCall = errors.New("operation already in flight")

	// ErrDuplicateOperation rejects a client-supplied operation ID that has
	// already committed.
	ErrDuplicateOperation = errors.New("operation already processed")
)

// UnsupportedAssetError rejects a deposit of an asset with no direct route
// into the unit of account.
type UnsupportedAssetError struct {
	Asset string
}

func (e *UnsupportedAssetError) Error() string {
	return fmt.Sprintf("unsupported asset: %s", e.Asset)
}

// WithdrawalCeilingError rejects a single withdrawal above the
// per-operation ceiling.
type WithdrawalCeilingError struct {
	Requested uint64
	Ceiling   uint64
}

func (e *WithdrawalCeilingError) Error() string {
	return fmt.Sprintf("withdrawal ceiling exceeded: requested=%d, ceiling=%d", e.Requested, e.Ceiling)
}

// ReleaseFailedError reports a withdrawal whose ledger debit committed but
// whose custody release then failed. The debit stands; the operation ID is
// surfaced so operators can reconcile the stuck release.
type ReleaseFailedError struct {
	OpID uuid.UUID
	Err  error
}

func (e *ReleaseFailedError) Error() string {
	return fmt.Sprintf("custody release failed for committed operation %s: %v", e.OpID, e.Err)
}

func (e *ReleaseFailedError) Unwrap() error {
	return e.Err
}
