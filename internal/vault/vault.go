package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AlanLeo32/kipubankv3/internal/asset"
	"github.com/AlanLeo32/kipubankv3/internal/custody"
	"github.com/AlanLeo32/kipubankv3/internal/event"
	"github.com/AlanLeo32/kipubankv3/internal/exchange"
	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	bpsmath "github.com/AlanLeo32/kipubankv3/internal/math"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
)

const defaultDedupeCapacity = 65_536

// Vault orchestrates deposits and withdrawals against the ledger: it
// validates, quotes, bounds and takes custody before mutating state, and
// releases assets only after state is committed. All mutations funnel
// through ledger.Credit and ledger.Debit; nothing else writes balances.
type Vault struct {
	ledger    *ledger.Ledger
	router    exchange.Router
	custodian custody.Custodian
	registry  *asset.Registry
	params    *Params
	ops       *OpChecker
	guard     latch

	withdrawCeiling uint64
	custodyAccount  uuid.UUID

	persistCh    chan<- ledger.Operation
	projectionCh chan<- ledger.Operation
	eventsCh     chan<- event.Envelope

	clock   func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Config wires a Vault. Ledger, Router, Custodian, Registry, a non-zero
// WithdrawCeiling and a non-zero CustodyAccount are required; everything
// else is optional.
type Config struct {
	Ledger          *ledger.Ledger
	Router          exchange.Router
	Custodian       custody.Custodian
	Registry        *asset.Registry
	Params          *Params
	WithdrawCeiling uint64
	CustodyAccount  uuid.UUID // custody identity swaps settle into

	DedupeCapacity int
	DBChecker      DBOpChecker

	PersistCh    chan<- ledger.Operation // durable log feed, blocking
	ProjectionCh chan<- ledger.Operation // projection feed, best effort
	EventsCh     chan<- event.Envelope   // outbound event feed, best effort

	Metrics *observability.Metrics
	Clock   func() time.Time
}

func New(cfg Config) (*Vault, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("exchange router is required")
	}
	if cfg.Custodian == nil {
		return nil, fmt.Errorf("custodian is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("asset registry is required")
	}
	if cfg.Ledger.Ceiling() == 0 {
		return nil, fmt.Errorf("capacity ceiling must be greater than zero")
	}
	if cfg.WithdrawCeiling == 0 {
		return nil, fmt.Errorf("withdrawal ceiling must be greater than zero")
	}
	if cfg.CustodyAccount == uuid.Nil {
		return nil, fmt.Errorf("custody account is required")
	}

	params := cfg.Params
	if params == nil {
		params = NewParams()
	}
	capacity := cfg.DedupeCapacity
	if capacity <= 0 {
		capacity = defaultDedupeCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Vault{
		ledger:          cfg.Ledger,
		router:          cfg.Router,
		custodian:       cfg.Custodian,
		registry:        cfg.Registry,
		params:          params,
		ops:             NewOpChecker(capacity, cfg.DBChecker),
		withdrawCeiling: cfg.WithdrawCeiling,
		custodyAccount:  cfg.CustodyAccount,
		persistCh:       cfg.PersistCh,
		projectionCh:    cfg.ProjectionCh,
		eventsCh:        cfg.EventsCh,
		clock:           clock,
		logger:          observability.NewLogger("vault"),
		metrics:         cfg.Metrics,
	}, nil
}

// DepositRequest describes a deposit attempt.
type DepositRequest struct {
	OpID     uuid.UUID // optional idempotency key; zero means generate
	Account  uuid.UUID
	Asset    string // ignored by DepositNative
	AmountIn uint64 // minor units of the deposit asset
	MinOut   uint64 // caller's minimum unit output; zero delegates to the guard
}

// WithdrawRequest describes a withdrawal attempt.
type WithdrawRequest struct {
	OpID    uuid.UUID // optional idempotency key; zero means generate
	Account uuid.UUID
	Amount  uint64 // unit minor units
}

// DepositNative deposits the rail-native asset, swapping it into the unit
// of account before crediting.
func (v *Vault) DepositNative(ctx context.Context, req DepositRequest) (ledger.Operation, error) {
	start := v.clock()
	op, err := v.depositNative(ctx, req)
	v.observe(ledger.KindDeposit, start, err)
	return op, err
}

func (v *Vault) depositNative(ctx context.Context, req DepositRequest) (ledger.Operation, error) {
	native, ok := v.registry.Native()
	if !ok {
		return ledger.Operation{}, &UnsupportedAssetError{Asset: "native"}
	}
	req.Asset = native.Symbol
	return v.deposit(ctx, req, native)
}

// DepositAsset deposits a registered asset. The unit-of-account asset is
// credited directly; everything else is swapped first.
func (v *Vault) DepositAsset(ctx context.Context, req DepositRequest) (ledger.Operation, error) {
	start := v.clock()
	op, err := v.depositAsset(ctx, req)
	v.observe(ledger.KindDeposit, start, err)
	return op, err
}

func (v *Vault) depositAsset(ctx context.Context, req DepositRequest) (ledger.Operation, error) {
	a, ok := v.registry.Lookup(req.Asset)
	if !ok {
		return ledger.Operation{}, &UnsupportedAssetError{Asset: req.Asset}
	}
	return v.deposit(ctx, req, a)
}

func (v *Vault) deposit(ctx context.Context, req DepositRequest, a asset.Asset) (ledger.Operation, error) {
	if !ledger.ValidAccount(req.Account) {
		return ledger.Operation{}, ErrInvalidIdentity
	}
	if req.AmountIn == 0 {
		return ledger.Operation{}, ErrZeroAmount
	}

	if !v.guard.acquire() {
		return ledger.Operation{}, ErrReentrantCall
	}
	defer v.guard.release()

	opID := req.OpID
	if opID == uuid.Nil {
		opID = uuid.New()
	} else if v.ops.IsDuplicate(ledger.KindDeposit.String(), opID) {
		return ledger.Operation{}, ErrDuplicateOperation
	}

	op := ledger.Operation{
		ID:           opID,
		Kind:         ledger.KindDeposit,
		Account:      req.Account,
		AssetIn:      a.Symbol,
		AmountIn:     req.AmountIn,
		ToleranceBps: v.params.SlippageTolerance(),
		OccurredAt:   v.clock().UTC(),
	}

	if v.registry.IsUnit(a.Symbol) {
		return v.settleDirect(ctx, op)
	}
	return v.settleSwap(ctx, op, req.MinOut)
}

// settleDirect credits a unit-of-account deposit without an exchange step.
func (v *Vault) settleDirect(ctx context.Context, op ledger.Operation) (ledger.Operation, error) {
	op.ExpectedOut = op.AmountIn
	op.AmountOut = op.AmountIn

	if err := v.ledger.CheckCapacity(op.AmountIn); err != nil {
		return ledger.Operation{}, err
	}

	if err := v.custodian.Receive(ctx, op.Account, op.AssetIn, op.AmountIn); err != nil {
		return ledger.Operation{}, fmt.Errorf("custody receive: %w", err)
	}

	committed, err := v.ledger.Credit(op)
	if err != nil {
		// The input sits in custody; push it back before surfacing.
		v.refund(ctx, op.Account, op.AssetIn, op.AmountIn)
		return ledger.Operation{}, err
	}

	v.afterCommit(committed)
	return committed, nil
}

// settleSwap runs the full foreign-asset sequence: quote, guard, projected
// capacity check, custody, exchange, credit. The ledger only mutates after
// the exchange settles, and the credit re-validates capacity against the
// true settled amount.
func (v *Vault) settleSwap(ctx context.Context, op ledger.Operation, callerMin uint64) (ledger.Operation, error) {
	hasRoute, err := v.router.HasDirectRoute(ctx, op.AssetIn)
	if err != nil {
		return ledger.Operation{}, fmt.Errorf("route lookup: %w", err)
	}
	if !hasRoute {
		return ledger.Operation{}, &UnsupportedAssetError{Asset: op.AssetIn}
	}

	expected, err := v.router.AmountOut(ctx, op.AssetIn, op.AmountIn)
	if err != nil {
		return ledger.Operation{}, fmt.Errorf("quote: %w", err)
	}
	if expected == 0 {
		return ledger.Operation{}, ErrInsufficientOutput
	}

	// The caller's bound must be at least as strict as the guard.
	minGuarded := bpsmath.MinAcceptable(expected, op.ToleranceBps)
	if callerMin > 0 && callerMin < minGuarded {
		return ledger.Operation{}, ErrExcessiveSlippage
	}
	minOut := minGuarded
	if callerMin > minOut {
		minOut = callerMin
	}

	// Conservative projected increment: the larger of quote and caller bound
	basis := expected
	if callerMin > basis {
		basis = callerMin
	}
	if err := v.ledger.CheckCapacity(basis); err != nil {
		return ledger.Operation{}, err
	}

	if err := v.custodian.Receive(ctx, op.Account, op.AssetIn, op.AmountIn); err != nil {
		return ledger.Operation{}, fmt.Errorf("custody receive: %w", err)
	}

	swapStart := v.clock()
	result, err := v.router.ExecuteSwap(ctx, exchange.SwapRequest{
		Route:        op.AssetIn,
		AmountIn:     op.AmountIn,
		MinAmountOut: minOut,
		Recipient:    v.custodyAccount,
		Deadline:     v.clock().Add(exchange.DefaultSwapTTL),
	})
	if v.metrics != nil {
		v.metrics.ExchangeRoundtrip.Observe(v.clock().Sub(swapStart).Seconds())
	}
	if err != nil {
		// Failed atomically: nothing settled, so return the input.
		v.refund(ctx, op.Account, op.AssetIn, op.AmountIn)
		return ledger.Operation{}, fmt.Errorf("exchange execution: %w", err)
	}

	unit := v.registry.Unit().Symbol
	actual := result.AmountOut

	if actual == 0 {
		return ledger.Operation{}, ErrInsufficientOutput
	}
	if actual < minOut {
		// The venue violated its own minimum-output contract. Hand the
		// settled units back rather than crediting a bad fill.
		v.refund(ctx, op.Account, unit, actual)
		return ledger.Operation{}, fmt.Errorf("settled %d below minimum %d: %w", actual, minOut, ErrExcessiveSlippage)
	}

	op.ExpectedOut = expected
	op.MinOut = minOut
	op.AmountOut = actual

	committed, err := v.ledger.Credit(op)
	if err != nil {
		// Final capacity check failed on the true settled amount.
		v.refund(ctx, op.Account, unit, actual)
		return ledger.Operation{}, err
	}

	v.afterCommit(committed)
	return committed, nil
}

// Withdraw debits the account and releases the unit asset, in strict
// check-effects-interactions order: the balance is already decremented and
// recorded before any external transfer runs.
func (v *Vault) Withdraw(ctx context.Context, req WithdrawRequest) (ledger.Operation, error) {
	start := v.clock()
	op, err := v.withdraw(ctx, req)
	v.observe(ledger.KindWithdrawal, start, err)
	return op, err
}

func (v *Vault) withdraw(ctx context.Context, req WithdrawRequest) (ledger.Operation, error) {
	if !ledger.ValidAccount(req.Account) {
		return ledger.Operation{}, ErrInvalidIdentity
	}
	if req.Amount == 0 {
		return ledger.Operation{}, ErrZeroAmount
	}

	if !v.guard.acquire() {
		return ledger.Operation{}, ErrReentrantCall
	}
	defer v.guard.release()

	opID := req.OpID
	if opID == uuid.Nil {
		opID = uuid.New()
	} else if v.ops.IsDuplicate(ledger.KindWithdrawal.String(), opID) {
		return ledger.Operation{}, ErrDuplicateOperation
	}

	if balance := v.ledger.Balance(req.Account); balance < req.Amount {
		return ledger.Operation{}, &ledger.InsufficientBalanceError{Requested: req.Amount, Available: balance}
	}
	if req.Amount > v.withdrawCeiling {
		return ledger.Operation{}, &WithdrawalCeilingError{Requested: req.Amount, Ceiling: v.withdrawCeiling}
	}

	unit := v.registry.Unit().Symbol
	op := ledger.Operation{
		ID:         opID,
		Kind:       ledger.KindWithdrawal,
		Account:    req.Account,
		AssetIn:    unit,
		AmountIn:   req.Amount,
		AmountOut:  req.Amount,
		OccurredAt: v.clock().UTC(),
	}

	committed, err := v.ledger.Debit(op)
	if err != nil {
		return ledger.Operation{}, err
	}

	v.afterCommit(committed)

	if err := v.custodian.Release(ctx, req.Account, unit, req.Amount); err != nil {
		// The debit stands. Surface the committed operation for reconciliation.
		return committed, &ReleaseFailedError{OpID: committed.ID, Err: err}
	}

	return committed, nil
}

// refund pushes value back to the account when an operation aborts after
// custody already settled. A failed refund cannot be rolled into the abort,
// so it is logged for reconciliation and the abort error dominates.
func (v *Vault) refund(ctx context.Context, account uuid.UUID, symbol string, amount uint64) {
	if err := v.custodian.Release(ctx, account, symbol, amount); err != nil {
		v.logger.Error().
			Err(err).
			Str("account", ledger.AccountPath(account)).
			Str("asset", symbol).
			Uint64("amount", amount).
			Msg("refund release failed, manual reconciliation required")
	}
}

func (v *Vault) afterCommit(op ledger.Operation) {
	v.ops.MarkProcessed(op.Kind.String(), op.ID)

	if v.persistCh != nil {
		v.persistCh <- op // Blocking: the durable log must not drop commits
	}

	if v.projectionCh != nil {
		select {
		case v.projectionCh <- op:
		default:
			// Projections are rebuildable; dropping beats blocking settlement
			if v.metrics != nil {
				v.metrics.ProjectionDropped.Inc()
			}
		}
	}

	if v.eventsCh != nil {
		if env, err := event.FromOperation(op); err == nil {
			select {
			case v.eventsCh <- env:
			default:
				if v.metrics != nil {
					v.metrics.EventsDropped.Inc()
				}
			}
		}
	}

	if v.metrics != nil {
		v.metrics.OperationsCommitted.WithLabelValues(op.Kind.String()).Inc()
		v.metrics.VaultTotal.Set(float64(v.ledger.Total()))
		v.metrics.VaultAvailableCapacity.Set(float64(v.ledger.AvailableCapacity()))
	}

	v.logger.Info().
		Str("op_id", op.ID.String()).
		Str("kind", op.Kind.String()).
		Str("account", op.Account.String()).
		Str("asset_in", op.AssetIn).
		Uint64("amount_in", op.AmountIn).
		Uint64("amount_out", op.AmountOut).
		Uint64("seq", op.Seq).
		Msg("operation committed")
}

func (v *Vault) observe(kind ledger.OperationKind, start time.Time, err error) {
	if v.metrics == nil {
		return
	}

	v.metrics.OperationDuration.WithLabelValues(kind.String()).Observe(v.clock().Sub(start).Seconds())

	if err == nil {
		return
	}
	var relErr *ReleaseFailedError
	if errors.As(err, &relErr) {
		// The ledger mutation committed; only the release is stuck.
		v.metrics.ReleaseFailures.Inc()
		return
	}
	v.metrics.OperationsRejected.WithLabelValues(kind.String(), rejectionReason(err)).Inc()
}

func rejectionReason(err error) string {
	var (
		capErr *ledger.CapacityExceededError
		balErr *ledger.InsufficientBalanceError
		wcErr  *WithdrawalCeilingError
		uaErr  *UnsupportedAssetError
	)
	switch {
	case errors.As(err, &capErr):
		return "capacity_exceeded"
	case errors.As(err, &balErr):
		return "insufficient_balance"
	case errors.As(err, &wcErr):
		return "withdrawal_ceiling"
	case errors.As(err, &uaErr):
		return "unsupported_asset"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrExcessiveSlippage):
		return "excessive_slippage"
	case errors.Is(err, ErrInsufficientOutput):
		return "insufficient_output"
	case errors.Is(err, ErrInvalidSlippage):
		return "invalid_slippage"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, ErrDuplicateOperation):
		return "duplicate_operation"
	default:
		return "collaborator_failure"
	}
}

// PreviewDeposit quotes the unit output a deposit would target right now,
// without touching state.
func (v *Vault) PreviewDeposit(ctx context.Context, symbol string, amountIn uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, ErrZeroAmount
	}
	a, ok := v.registry.Lookup(symbol)
	if !ok {
		return 0, &UnsupportedAssetError{Asset: symbol}
	}
	if v.registry.IsUnit(a.Symbol) {
		return amountIn, nil
	}

	hasRoute, err := v.router.HasDirectRoute(ctx, a.Symbol)
	if err != nil {
		return 0, fmt.Errorf("route lookup: %w", err)
	}
	if !hasRoute {
		return 0, &UnsupportedAssetError{Asset: a.Symbol}
	}
	return v.router.AmountOut(ctx, a.Symbol, amountIn)
}

// HasDirectRoute reports whether the router can swap symbol into the unit.
func (v *Vault) HasDirectRoute(ctx context.Context, symbol string) (bool, error) {
	if v.registry.IsUnit(symbol) {
		return true, nil
	}
	return v.router.HasDirectRoute(ctx, symbol)
}

// SetSlippageTolerance updates the guard tolerance and announces the change.
func (v *Vault) SetSlippageTolerance(bps uint64) error {
	old := v.params.SlippageTolerance()
	if err := v.params.SetSlippageTolerance(bps); err != nil {
		return err
	}

	v.logger.Info().
		Uint64("old_bps", old).
		Uint64("new_bps", bps).
		Msg("slippage tolerance updated")

	if v.eventsCh != nil {
		if env, err := event.NewSlippageUpdated(old, bps, v.clock().UTC()); err == nil {
			select {
			case v.eventsCh <- env:
			default:
				if v.metrics != nil {
					v.metrics.EventsDropped.Inc()
				}
			}
		}
	}
	return nil
}

// SlippageTolerance returns the current guard tolerance in basis points.
func (v *Vault) SlippageTolerance() uint64 {
	return v.params.SlippageTolerance()
}

// BalanceOf returns the unit balance of an account.
func (v *Vault) BalanceOf(account uuid.UUID) uint64 {
	return v.ledger.Balance(account)
}

// WarmDedupe preloads composite dedupe keys into the LRU. Called on restart
// so recently committed operations skip the cold-path log lookup.
func (v *Vault) WarmDedupe(keys []string) {
	v.ops.Warm(keys)
}

// Quiesce takes the settlement guard and never releases it, so no further
// operation can start or feed the worker channels. Called during shutdown
// once the API has stopped accepting requests. Returns false if an in-flight
// operation did not finish within wait.
func (v *Vault) Quiesce(wait time.Duration) bool {
	deadline := v.clock().Add(wait)
	for !v.guard.acquire() {
		if v.clock().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// Registry exposes the asset registry for transport-layer conversions.
func (v *Vault) Registry() *asset.Registry {
	return v.registry
}

// StateView is a point-in-time summary of the vault's accounting state.
type StateView struct {
	Total             uint64
	CapacityCeiling   uint64
	AvailableCapacity uint64
	WithdrawCeiling   uint64
	SlippageBps       uint64
	DepositCount      uint64
	WithdrawalCount   uint64
	NextSeq           uint64
	ChainTip          [32]byte
}

// State returns a consistent snapshot of totals, ceilings and counters.
func (v *Vault) State() StateView {
	snap := v.ledger.Snapshot()
	return StateView{
		Total:             snap.Total,
		CapacityCeiling:   v.ledger.Ceiling(),
		AvailableCapacity: bpsmath.SaturatingSub(v.ledger.Ceiling(), snap.Total),
		WithdrawCeiling:   v.withdrawCeiling,
		SlippageBps:       v.params.SlippageTolerance(),
		DepositCount:      snap.DepositCount,
		WithdrawalCount:   snap.WithdrawalCount,
		NextSeq:           snap.NextSeq,
		ChainTip:          snap.ChainTip,
	}
}
