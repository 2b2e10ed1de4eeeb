package vault_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AlanLeo32/kipubankv3/internal/asset"
	"github.com/AlanLeo32/kipubankv3/internal/custody"
	"github.com/AlanLeo32/kipubankv3/internal/event"
	"github.com/AlanLeo32/kipubankv3/internal/exchange"
	"github.com/AlanLeo32/kipubankv3/internal/ledger"
	"github.com/AlanLeo32/kipubankv3/internal/vault"
)

type fixture struct {
	vault     *vault.Vault
	ledger    *ledger.Ledger
	router    *exchange.StubRouter
	custodian *custody.StubCustodian
	custodyID uuid.UUID
}

// newFixture builds a vault with a 1,000,000 capacity ceiling, a 10,000
// withdrawal ceiling, USDC as the unit of account, and linear stub rates:
// 1 ETH minor unit buys 2,000 USDC minor units, WBTC trades 1:1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCeilings(t, 1_000_000, 10_000)
}

func newFixtureWithCeilings(t *testing.T, capacityCeiling, withdrawCeiling uint64) *fixture {
	t.Helper()

	registry, err := asset.NewRegistry(
		asset.Asset{Symbol: "USDC", Decimals: 6},
		asset.Asset{Symbol: "ETH", Decimals: 18, Native: true},
		asset.Asset{Symbol: "WBTC", Decimals: 8},
	)
	if err != nil {
		t.Fatalf("registry setup failed: %v", err)
	}

	router := exchange.NewStubRouter()
	router.SetRate("ETH", exchange.Rate{Num: 2_000, Den: 1})
	router.SetRate("WBTC", exchange.Rate{Num: 1, Den: 1})

	custodian := custody.NewStubCustodian()
	led := ledger.NewLedger(capacityCeiling)
	custodyID := uuid.New()

	v, err := vault.New(vault.Config{
		Ledger:          led,
		Router:          router,
		Custodian:       custodian,
		Registry:        registry,
		WithdrawCeiling: withdrawCeiling,
		CustodyAccount:  custodyID,
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	return &fixture{
		vault:     v,
		ledger:    led,
		router:    router,
		custodian: custodian,
		custodyID: custodyID,
	}
}

// fund credits an account with unit-of-account minor units directly.
func (f *fixture) fund(t *testing.T, account uuid.UUID, amount uint64) ledger.Operation {
	t.Helper()
	op, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "USDC",
		AmountIn: amount,
	})
	if err != nil {
		t.Fatalf("funding deposit failed: %v", err)
	}
	return op
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	registry := f.vault.Registry()

	base := func() vault.Config {
		return vault.Config{
			Ledger:          ledger.NewLedger(1_000),
			Router:          f.router,
			Custodian:       f.custodian,
			Registry:        registry,
			WithdrawCeiling: 100,
			CustodyAccount:  uuid.New(),
		}
	}

	cases := []struct {
		name   string
		mutate func(*vault.Config)
	}{
		{"nil ledger", func(c *vault.Config) { c.Ledger = nil }},
		{"nil router", func(c *vault.Config) { c.Router = nil }},
		{"nil custodian", func(c *vault.Config) { c.Custodian = nil }},
		{"nil registry", func(c *vault.Config) { c.Registry = nil }},
		{"zero capacity ceiling", func(c *vault.Config) { c.Ledger = ledger.NewLedger(0) }},
		{"zero withdraw ceiling", func(c *vault.Config) { c.WithdrawCeiling = 0 }},
		{"zero custody account", func(c *vault.Config) { c.CustodyAccount = uuid.Nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if _, err := vault.New(cfg); err == nil {
				t.Errorf("%s should be rejected", tc.name)
			}
		})
	}
}

// ============================================================================
// Test: Unit-of-account deposits
// ============================================================================

func TestDepositUnit_CreditsWithoutExchange(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()

	op, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "USDC",
		AmountIn: 500,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if op.Seq != 1 {
		t.Errorf("seq = %d, want 1", op.Seq)
	}
	if op.AmountOut != 500 || op.ExpectedOut != 500 {
		t.Errorf("amounts = out %d expected %d, want 500/500", op.AmountOut, op.ExpectedOut)
	}
	if got := f.vault.BalanceOf(account); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
	if got := f.ledger.Total(); got != 500 {
		t.Errorf("total = %d, want 500", got)
	}

	state := f.vault.State()
	if state.DepositCount != 1 || state.WithdrawalCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", state.DepositCount, state.WithdrawalCount)
	}

	transfers := f.custodian.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	want := custody.Transfer{Direction: "receive", Account: account, Asset: "USDC", Amount: 500}
	if transfers[0] != want {
		t.Errorf("transfer = %+v, want %+v", transfers[0], want)
	}
}

func TestDepositUnit_NearlyFullVault_Rejected(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.fund(t, account, 999_999)

	_, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "USDC",
		AmountIn: 2,
	})

	var capErr *ledger.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.Requested != 2 || capErr.Available != 1 {
		t.Errorf("capacity error = %+v, want requested=2 available=1", capErr)
	}

	if got := f.ledger.Total(); got != 999_999 {
		t.Errorf("total mutated to %d", got)
	}
	if got := f.vault.State().DepositCount; got != 1 {
		t.Errorf("deposit count = %d, want 1", got)
	}
	// The rejected deposit must never have reached custody.
	if got := len(f.custodian.Transfers()); got != 1 {
		t.Errorf("transfers = %d, want 1", got)
	}
}

func TestDeposit_ZeroAmount_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		Asset:    "USDC",
		AmountIn: 0,
	})
	if !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestDeposit_ZeroAccount_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.Nil,
		Asset:    "USDC",
		AmountIn: 100,
	})
	if !errors.Is(err, vault.ErrInvalidIdentity) {
		t.Errorf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDeposit_UnknownAsset_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		Asset:    "DOGE",
		AmountIn: 100,
	})

	var uaErr *vault.UnsupportedAssetError
	if !errors.As(err, &uaErr) {
		t.Fatalf("expected UnsupportedAssetError, got %v", err)
	}
	if uaErr.Asset != "DOGE" {
		t.Errorf("asset = %q, want DOGE", uaErr.Asset)
	}
}

// ============================================================================
// Test: Swapped deposits
// ============================================================================

func TestDepositSwap_CreditsSettledAmount(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()

	op, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  account,
		AmountIn: 50,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if op.AssetIn != "ETH" {
		t.Errorf("asset in = %q, want ETH", op.AssetIn)
	}
	if op.ExpectedOut != 100_000 {
		t.Errorf("expected out = %d, want 100000", op.ExpectedOut)
	}
	if op.MinOut != 97_000 {
		t.Errorf("min out = %d, want 97000 (300 bps off the quote)", op.MinOut)
	}
	if op.AmountOut != 100_000 {
		t.Errorf("amount out = %d, want 100000", op.AmountOut)
	}
	if op.ToleranceBps != 300 {
		t.Errorf("tolerance = %d, want 300", op.ToleranceBps)
	}
	if got := f.vault.BalanceOf(account); got != 100_000 {
		t.Errorf("balance = %d, want 100000", got)
	}

	transfers := f.custodian.Transfers()
	if len(transfers) != 1 || transfers[0].Asset != "ETH" || transfers[0].Amount != 50 {
		t.Errorf("custody movements = %+v, want single ETH receive of 50", transfers)
	}
}

func TestDepositSwap_CallerMinBelowGuard_Rejected(t *testing.T) {
	f := newFixture(t)

	// Quote is 100, the 300 bps guard floors at 97. A caller bound of 90
	// would accept fills the guard forbids.
	_, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		Asset:    "WBTC",
		AmountIn: 100,
		MinOut:   90,
	})
	if !errors.Is(err, vault.ErrExcessiveSlippage) {
		t.Fatalf("expected ErrExcessiveSlippage, got %v", err)
	}

	if got := f.ledger.Total(); got != 0 {
		t.Errorf("total mutated to %d", got)
	}
	if got := len(f.custodian.Transfers()); got != 0 {
		t.Errorf("custody touched %d times before validation finished", got)
	}
}

func TestDepositSwap_CallerMinEqualToGuard_Accepted(t *testing.T) {
	f := newFixture(t)

	op, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		Asset:    "WBTC",
		AmountIn: 100,
		MinOut:   97,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if op.MinOut != 97 {
		t.Errorf("min out = %d, want 97", op.MinOut)
	}
}

func TestDepositSwap_CallerMinTightensBound(t *testing.T) {
	registry, err := asset.NewRegistry(
		asset.Asset{Symbol: "USDC", Decimals: 6},
		asset.Asset{Symbol: "ETH", Decimals: 18, Native: true},
	)
	if err != nil {
		t.Fatalf("registry setup failed: %v", err)
	}

	router := exchange.NewStubRouter()
	router.SetRate("ETH", exchange.Rate{Num: 2_000, Den: 1})

	var captured exchange.SwapRequest
	router.SetSettleFunc(func(ctx context.Context, req exchange.SwapRequest) (uint64, error) {
		captured = req
		return 100_000, nil
	})

	custodyID := uuid.New()
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	v, err := vault.New(vault.Config{
		Ledger:          ledger.NewLedger(1_000_000),
		Router:          router,
		Custodian:       custody.NewStubCustodian(),
		Registry:        registry,
		WithdrawCeiling: 10_000,
		CustodyAccount:  custodyID,
		Clock:           func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	op, err := v.DepositNative(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		AmountIn: 50,
		MinOut:   98_000,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// The caller's 98,000 beats the 97,000 guard, so it becomes the bound.
	if captured.MinAmountOut != 98_000 {
		t.Errorf("swap min = %d, want 98000", captured.MinAmountOut)
	}
	if captured.Route != "ETH" || captured.AmountIn != 50 {
		t.Errorf("swap request = %+v", captured)
	}
	if captured.Recipient != custodyID {
		t.Errorf("swap recipient = %s, want the vault's custody account", captured.Recipient)
	}
	if want := fixed.Add(15 * time.Minute); !captured.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", captured.Deadline, want)
	}
	if op.MinOut != 98_000 {
		t.Errorf("recorded min out = %d, want 98000", op.MinOut)
	}
	if !op.OccurredAt.Equal(fixed) {
		t.Errorf("occurred at = %v, want %v", op.OccurredAt, fixed)
	}
}

func TestDepositSwap_ConservativeCapacityBasis(t *testing.T) {
	f := newFixtureWithCeilings(t, 110_000, 10_000)

	// Quote is 100,000 which fits, but the caller demands at least 120,000.
	// The projected increment must assume the larger bound.
	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		AmountIn: 50,
		MinOut:   120_000,
	})

	var capErr *ledger.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.Requested != 120_000 || capErr.Available != 110_000 {
		t.Errorf("capacity error = %+v, want requested=120000 available=110000", capErr)
	}
	if got := len(f.custodian.Transfers()); got != 0 {
		t.Errorf("custody touched %d times before validation finished", got)
	}
}

func TestDepositSwap_ZeroSettlement_Rejected(t *testing.T) {
	f := newFixture(t)
	f.router.SetSettleFunc(func(ctx context.Context, req exchange.SwapRequest) (uint64, error) {
		return 0, nil
	})

	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		AmountIn: 50,
	})
	if !errors.Is(err, vault.ErrInsufficientOutput) {
		t.Fatalf("expected ErrInsufficientOutput, got %v", err)
	}

	if got := f.ledger.Total(); got != 0 {
		t.Errorf("total mutated to %d", got)
	}
	if got := f.vault.State().DepositCount; got != 0 {
		t.Errorf("deposit count = %d, want 0", got)
	}
}

func TestDepositSwap_ZeroQuote_RejectedBeforeCustody(t *testing.T) {
	f := newFixture(t)
	f.router.SetRate("ETH", exchange.Rate{Num: 0, Den: 1})

	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		AmountIn: 50,
	})
	if !errors.Is(err, vault.ErrInsufficientOutput) {
		t.Fatalf("expected ErrInsufficientOutput, got %v", err)
	}
	if got := len(f.custodian.Transfers()); got != 0 {
		t.Errorf("custody touched %d times on a worthless quote", got)
	}
}

func TestDepositSwap_ExchangeFailure_RefundsInput(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.router.SetSettleFunc(func(ctx context.Context, req exchange.SwapRequest) (uint64, error) {
		return 0, fmt.Errorf("venue rejected order")
	})

	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  account,
		AmountIn: 50,
	})
	if err == nil {
		t.Fatal("expected exchange failure to surface")
	}

	transfers := f.custodian.Transfers()
	if len(transfers) != 2 {
		t.Fatalf("transfers = %d, want receive then refund", len(transfers))
	}
	refund := transfers[1]
	if refund.Direction != "release" || refund.Asset != "ETH" || refund.Amount != 50 {
		t.Errorf("refund = %+v, want ETH 50 release", refund)
	}
	if got := f.ledger.Total(); got != 0 {
		t.Errorf("total mutated to %d", got)
	}
}

func TestDepositSwap_SettledBelowMinimum_RefundsOutput(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.router.SetSettleFunc(func(ctx context.Context, req exchange.SwapRequest) (uint64, error) {
		return 96_900, nil // below the 97,000 guard
	})

	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  account,
		AmountIn: 50,
	})
	if !errors.Is(err, vault.ErrExcessiveSlippage) {
		t.Fatalf("expected ErrExcessiveSlippage, got %v", err)
	}

	transfers := f.custodian.Transfers()
	if len(transfers) != 2 {
		t.Fatalf("transfers = %d, want receive then refund", len(transfers))
	}
	refund := transfers[1]
	if refund.Direction != "release" || refund.Asset != "USDC" || refund.Amount != 96_900 {
		t.Errorf("refund = %+v, want USDC 96900 release", refund)
	}
	if got := f.ledger.Total(); got != 0 {
		t.Errorf("total mutated to %d", got)
	}
}

func TestDepositSwap_FinalCreditRevalidatesCapacity(t *testing.T) {
	f := newFixtureWithCeilings(t, 100_000, 10_000)
	account := uuid.New()

	// The 100,000 quote passes the projected check exactly, then the venue
	// over-delivers by one unit and the credit re-check catches it.
	f.router.SetSettleFunc(func(ctx context.Context, req exchange.SwapRequest) (uint64, error) {
		return 100_001, nil
	})

	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  account,
		AmountIn: 50,
	})

	var capErr *ledger.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.Requested != 100_001 || capErr.Available != 100_000 {
		t.Errorf("capacity error = %+v, want requested=100001 available=100000", capErr)
	}

	transfers := f.custodian.Transfers()
	if len(transfers) != 2 {
		t.Fatalf("transfers = %d, want receive then refund", len(transfers))
	}
	refund := transfers[1]
	if refund.Direction != "release" || refund.Asset != "USDC" || refund.Amount != 100_001 {
		t.Errorf("refund = %+v, want USDC 100001 release", refund)
	}
	if got := f.ledger.Total(); got != 0 {
		t.Errorf("total mutated to %d", got)
	}
}

func TestDepositSwap_NoRoute_Rejected(t *testing.T) {
	f := newFixture(t)
	f.router.DropRoute("ETH")

	_, err := f.vault.DepositNative(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		AmountIn: 50,
	})

	var uaErr *vault.UnsupportedAssetError
	if !errors.As(err, &uaErr) {
		t.Fatalf("expected UnsupportedAssetError, got %v", err)
	}
	if uaErr.Asset != "ETH" {
		t.Errorf("asset = %q, want ETH", uaErr.Asset)
	}
}

// ============================================================================
// Test: Withdrawals
// ============================================================================

func TestWithdraw_DebitsAndReleases(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.fund(t, account, 20_000)

	op, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  5_000,
	})
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	if op.Kind != ledger.KindWithdrawal {
		t.Errorf("kind = %v, want withdrawal", op.Kind)
	}
	if op.Seq != 2 {
		t.Errorf("seq = %d, want 2", op.Seq)
	}
	if got := f.vault.BalanceOf(account); got != 15_000 {
		t.Errorf("balance = %d, want 15000", got)
	}

	transfers := f.custodian.Transfers()
	last := transfers[len(transfers)-1]
	want := custody.Transfer{Direction: "release", Account: account, Asset: "USDC", Amount: 5_000}
	if last != want {
		t.Errorf("release = %+v, want %+v", last, want)
	}
}

func TestWithdraw_CeilingExceeded_NoMutation(t *testing.T) {
	f := newFixtureWithCeilings(t, 1_000_000, 10_000)
	account := uuid.New()
	f.fund(t, account, 20_000)

	_, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  10_001,
	})

	var wcErr *vault.WithdrawalCeilingError
	if !errors.As(err, &wcErr) {
		t.Fatalf("expected WithdrawalCeilingError, got %v", err)
	}
	if wcErr.Requested != 10_001 || wcErr.Ceiling != 10_000 {
		t.Errorf("ceiling error = %+v, want requested=10001 ceiling=10000", wcErr)
	}

	if got := f.vault.BalanceOf(account); got != 20_000 {
		t.Errorf("balance mutated to %d", got)
	}
	// Only the funding receive may exist; nothing was released.
	if got := len(f.custodian.Transfers()); got != 1 {
		t.Errorf("transfers = %d, want 1", got)
	}
}

func TestWithdraw_BalanceCheckedBeforeCeiling(t *testing.T) {
	f := newFixtureWithCeilings(t, 1_000_000, 10_000)
	account := uuid.New()
	f.fund(t, account, 20_000)

	// 50,000 breaks both limits; the balance verdict must win.
	_, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  50_000,
	})

	var balErr *ledger.InsufficientBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if balErr.Requested != 50_000 || balErr.Available != 20_000 {
		t.Errorf("balance error = %+v, want requested=50000 available=20000", balErr)
	}
}

func TestWithdraw_ZeroAmount_Rejected(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.fund(t, account, 1_000)

	_, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  0,
	})
	if !errors.Is(err, vault.ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if got := f.vault.State().WithdrawalCount; got != 0 {
		t.Errorf("withdrawal count = %d, want 0", got)
	}
}

func TestWithdraw_UnknownAccount_InsufficientBalance(t *testing.T) {
	f := newFixture(t)

	_, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: uuid.New(),
		Amount:  1,
	})

	var balErr *ledger.InsufficientBalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if balErr.Available != 0 {
		t.Errorf("available = %d, want 0", balErr.Available)
	}
}

func TestWithdraw_ExactCeiling_Allowed(t *testing.T) {
	f := newFixtureWithCeilings(t, 1_000_000, 10_000)
	account := uuid.New()
	f.fund(t, account, 20_000)

	if _, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  10_000,
	}); err != nil {
		t.Fatalf("ceiling-sized withdrawal failed: %v", err)
	}
	if got := f.vault.BalanceOf(account); got != 10_000 {
		t.Errorf("balance = %d, want 10000", got)
	}
}

func TestWithdraw_ReleaseFailure_DebitStands(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.fund(t, account, 20_000)

	railErr := fmt.Errorf("rail unavailable")
	f.custodian.SetReleaseFunc(func(ctx context.Context, acct uuid.UUID, a string, amt uint64) error {
		return railErr
	})

	op, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  5_000,
	})

	var relErr *vault.ReleaseFailedError
	if !errors.As(err, &relErr) {
		t.Fatalf("expected ReleaseFailedError, got %v", err)
	}
	if relErr.OpID != op.ID {
		t.Errorf("error op id = %s, committed op id = %s", relErr.OpID, op.ID)
	}
	if !errors.Is(err, railErr) {
		t.Errorf("cause not preserved: %v", err)
	}

	// The ledger committed before the transfer was attempted.
	if got := f.vault.BalanceOf(account); got != 15_000 {
		t.Errorf("balance = %d, want 15000", got)
	}
	if got := f.vault.State().WithdrawalCount; got != 1 {
		t.Errorf("withdrawal count = %d, want 1", got)
	}
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

func TestDeposit_ReentrantCustodyCallback_Rejected(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()

	var nestedErr error
	f.custodian.SetReceiveFunc(func(ctx context.Context, acct uuid.UUID, a string, amt uint64) error {
		_, nestedErr = f.vault.Withdraw(ctx, vault.WithdrawRequest{
			Account: acct,
			Amount:  1,
		})
		return nil
	})

	if _, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "USDC",
		AmountIn: 500,
	}); err != nil {
		t.Fatalf("outer deposit failed: %v", err)
	}

	if !errors.Is(nestedErr, vault.ErrReentrantCall) {
		t.Errorf("nested call = %v, want ErrReentrantCall", nestedErr)
	}
	if got := f.ledger.Total(); got != 500 {
		t.Errorf("total = %d, want only the outer deposit", got)
	}
}

func TestWithdraw_ReentrantReleaseCallback_Rejected(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.fund(t, account, 20_000)

	var nestedErr error
	f.custodian.SetReleaseFunc(func(ctx context.Context, acct uuid.UUID, a string, amt uint64) error {
		_, nestedErr = f.vault.DepositAsset(ctx, vault.DepositRequest{
			Account:  acct,
			Asset:    "USDC",
			AmountIn: 100,
		})
		return nil
	})

	if _, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  5_000,
	}); err != nil {
		t.Fatalf("outer withdrawal failed: %v", err)
	}

	if !errors.Is(nestedErr, vault.ErrReentrantCall) {
		t.Errorf("nested call = %v, want ErrReentrantCall", nestedErr)
	}
	if got := f.vault.BalanceOf(account); got != 15_000 {
		t.Errorf("balance = %d, want 15000", got)
	}
}

func TestDeposit_ReentrantSwapCallback_Rejected(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	f.fund(t, account, 20_000)

	// The venue calls back into the vault mid-settlement, then fills
	// exactly at the forwarded minimum.
	var nestedErr error
	f.router.SetSettleFunc(func(ctx context.Context, req exchange.SwapRequest) (uint64, error) {
		_, nestedErr = f.vault.Withdraw(ctx, vault.WithdrawRequest{
			Account: account,
			Amount:  1_000,
		})
		return req.MinAmountOut, nil
	})

	op, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "ETH",
		AmountIn: 50,
	})
	if err != nil {
		t.Fatalf("outer deposit failed: %v", err)
	}

	if !errors.Is(nestedErr, vault.ErrReentrantCall) {
		t.Errorf("nested call = %v, want ErrReentrantCall", nestedErr)
	}
	if op.AmountOut != 97_000 {
		t.Errorf("settled output = %d, want 97000 (guard floor on a 100000 quote)", op.AmountOut)
	}
	if got := f.vault.BalanceOf(account); got != 117_000 {
		t.Errorf("balance = %d, want funding plus the settled credit", got)
	}
}

func TestLatch_ReleasedAfterRejection(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()

	// A rejected operation must not leave the vault wedged.
	if _, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  1,
	}); err == nil {
		t.Fatal("expected rejection on empty account")
	}

	if _, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "USDC",
		AmountIn: 100,
	}); err != nil {
		t.Fatalf("deposit after rejection failed: %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestDeposit_DuplicateOpID_Rejected(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	opID := uuid.New()

	req := vault.DepositRequest{
		OpID:     opID,
		Account:  account,
		Asset:    "USDC",
		AmountIn: 500,
	}
	if _, err := f.vault.DepositAsset(context.Background(), req); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}

	_, err := f.vault.DepositAsset(context.Background(), req)
	if !errors.Is(err, vault.ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
	if got := f.ledger.Total(); got != 500 {
		t.Errorf("total = %d, duplicate mutated state", got)
	}
}

func TestOpID_ScopedByOperationKind(t *testing.T) {
	f := newFixture(t)
	account := uuid.New()
	opID := uuid.New()

	if _, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		OpID:     opID,
		Account:  account,
		Asset:    "USDC",
		AmountIn: 5_000,
	}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Same key, different kind: not a duplicate.
	if _, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		OpID:    opID,
		Account: account,
		Amount:  1_000,
	}); err != nil {
		t.Fatalf("withdrawal with reused key failed: %v", err)
	}
}

func TestDeposit_FailedOperationDoesNotBurnOpID(t *testing.T) {
	f := newFixtureWithCeilings(t, 1_000, 10_000)
	account := uuid.New()
	opID := uuid.New()

	req := vault.DepositRequest{
		OpID:     opID,
		Account:  account,
		Asset:    "USDC",
		AmountIn: 2_000,
	}
	if _, err := f.vault.DepositAsset(context.Background(), req); err == nil {
		t.Fatal("expected capacity rejection")
	}

	// The rejection must not have marked the key processed.
	req.AmountIn = 500
	if _, err := f.vault.DepositAsset(context.Background(), req); err != nil {
		t.Fatalf("retry with same op id failed: %v", err)
	}
}

// ============================================================================
// Test: Commit feeds
// ============================================================================

func TestCommit_FeedsDurableLogAndEvents(t *testing.T) {
	registry, err := asset.NewRegistry(
		asset.Asset{Symbol: "USDC", Decimals: 6},
	)
	if err != nil {
		t.Fatalf("registry setup failed: %v", err)
	}

	persistCh := make(chan ledger.Operation, 4)
	projectionCh := make(chan ledger.Operation, 4)
	eventsCh := make(chan event.Envelope, 4)

	v, err := vault.New(vault.Config{
		Ledger:          ledger.NewLedger(1_000_000),
		Router:          exchange.NewStubRouter(),
		Custodian:       custody.NewStubCustodian(),
		Registry:        registry,
		WithdrawCeiling: 10_000,
		CustodyAccount:  uuid.New(),
		PersistCh:       persistCh,
		ProjectionCh:    projectionCh,
		EventsCh:        eventsCh,
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	account := uuid.New()
	op, err := v.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  account,
		Asset:    "USDC",
		AmountIn: 750,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	select {
	case persisted := <-persistCh:
		if persisted.ID != op.ID || persisted.Seq != op.Seq {
			t.Errorf("persisted op = %+v, want committed op", persisted)
		}
	default:
		t.Error("durable log feed received nothing")
	}

	select {
	case projected := <-projectionCh:
		if projected.ID != op.ID {
			t.Errorf("projected op = %+v, want committed op", projected)
		}
	default:
		t.Error("projection feed received nothing")
	}

	select {
	case env := <-eventsCh:
		if env.EventType != "deposit_committed" {
			t.Errorf("event type = %q, want deposit_committed", env.EventType)
		}
		var payload event.DepositCommitted
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("payload unmarshal failed: %v", err)
		}
		if payload.OpID != op.ID || payload.AmountOut != 750 {
			t.Errorf("payload = %+v", payload)
		}
	default:
		t.Error("event feed received nothing")
	}
}

func TestCommit_FullProjectionFeedDoesNotBlock(t *testing.T) {
	registry, err := asset.NewRegistry(
		asset.Asset{Symbol: "USDC", Decimals: 6},
	)
	if err != nil {
		t.Fatalf("registry setup failed: %v", err)
	}

	// Zero-capacity channel with no reader: the send can never succeed.
	projectionCh := make(chan ledger.Operation)

	v, err := vault.New(vault.Config{
		Ledger:          ledger.NewLedger(1_000_000),
		Router:          exchange.NewStubRouter(),
		Custodian:       custody.NewStubCustodian(),
		Registry:        registry,
		WithdrawCeiling: 10_000,
		CustodyAccount:  uuid.New(),
		ProjectionCh:    projectionCh,
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := v.DepositAsset(context.Background(), vault.DepositRequest{
			Account:  uuid.New(),
			Asset:    "USDC",
			AmountIn: 100,
		})
		if err != nil {
			t.Errorf("deposit failed: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("settlement blocked on full projection feed")
	}
}

// ============================================================================
// Test: Slippage tolerance
// ============================================================================

func TestSlippageTolerance_Default(t *testing.T) {
	f := newFixture(t)
	if got := f.vault.SlippageTolerance(); got != 300 {
		t.Errorf("default tolerance = %d, want 300", got)
	}
}

func TestSetSlippageTolerance_AppliesToDeposits(t *testing.T) {
	f := newFixture(t)
	if err := f.vault.SetSlippageTolerance(2_000); err != nil {
		t.Fatalf("set tolerance failed: %v", err)
	}

	op, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		Asset:    "WBTC",
		AmountIn: 100,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if op.ToleranceBps != 2_000 {
		t.Errorf("tolerance = %d, want 2000", op.ToleranceBps)
	}
	if op.MinOut != 80 {
		t.Errorf("min out = %d, want 80 (2000 bps off a 100 quote)", op.MinOut)
	}
}

func TestSetSlippageTolerance_RejectsAboveMax(t *testing.T) {
	f := newFixture(t)

	err := f.vault.SetSlippageTolerance(2_001)
	if !errors.Is(err, vault.ErrInvalidSlippage) {
		t.Fatalf("expected ErrInvalidSlippage, got %v", err)
	}
	if got := f.vault.SlippageTolerance(); got != 300 {
		t.Errorf("tolerance mutated to %d", got)
	}
}

func TestSetSlippageTolerance_ZeroDisablesGuardSlack(t *testing.T) {
	f := newFixture(t)
	if err := f.vault.SetSlippageTolerance(0); err != nil {
		t.Fatalf("set tolerance failed: %v", err)
	}

	op, err := f.vault.DepositAsset(context.Background(), vault.DepositRequest{
		Account:  uuid.New(),
		Asset:    "WBTC",
		AmountIn: 100,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if op.MinOut != 100 {
		t.Errorf("min out = %d, want the full quote", op.MinOut)
	}
}

func TestSetSlippageTolerance_EmitsEvent(t *testing.T) {
	registry, err := asset.NewRegistry(
		asset.Asset{Symbol: "USDC", Decimals: 6},
	)
	if err != nil {
		t.Fatalf("registry setup failed: %v", err)
	}

	eventsCh := make(chan event.Envelope, 1)
	v, err := vault.New(vault.Config{
		Ledger:          ledger.NewLedger(1_000_000),
		Router:          exchange.NewStubRouter(),
		Custodian:       custody.NewStubCustodian(),
		Registry:        registry,
		WithdrawCeiling: 10_000,
		CustodyAccount:  uuid.New(),
		EventsCh:        eventsCh,
	})
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	if err := v.SetSlippageTolerance(1_500); err != nil {
		t.Fatalf("set tolerance failed: %v", err)
	}

	select {
	case env := <-eventsCh:
		if env.EventType != "slippage_updated" {
			t.Errorf("event type = %q, want slippage_updated", env.EventType)
		}
		var payload event.SlippageUpdated
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("payload unmarshal failed: %v", err)
		}
		if payload.OldBps != 300 || payload.NewBps != 1_500 {
			t.Errorf("payload = %+v, want old=300 new=1500", payload)
		}
	default:
		t.Error("no event emitted")
	}
}

// ============================================================================
// Test: Previews and views
// ============================================================================

func TestPreviewDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got, err := f.vault.PreviewDeposit(ctx, "USDC", 1_234); err != nil || got != 1_234 {
		t.Errorf("unit preview = %d, %v; want identity", got, err)
	}
	if got, err := f.vault.PreviewDeposit(ctx, "ETH", 50); err != nil || got != 100_000 {
		t.Errorf("swap preview = %d, %v; want 100000", got, err)
	}
	if _, err := f.vault.PreviewDeposit(ctx, "DOGE", 50); err == nil {
		t.Error("unknown asset preview should fail")
	}
	if _, err := f.vault.PreviewDeposit(ctx, "ETH", 0); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("zero preview = %v, want ErrZeroAmount", err)
	}
}

func TestHasDirectRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if ok, err := f.vault.HasDirectRoute(ctx, "USDC"); err != nil || !ok {
		t.Errorf("unit route = %v, %v; the unit always has a path", ok, err)
	}
	if ok, err := f.vault.HasDirectRoute(ctx, "ETH"); err != nil || !ok {
		t.Errorf("ETH route = %v, %v; want true", ok, err)
	}
	f.router.DropRoute("ETH")
	if ok, err := f.vault.HasDirectRoute(ctx, "ETH"); err != nil || ok {
		t.Errorf("dropped route = %v, %v; want false", ok, err)
	}
}

func TestState_ReflectsLedger(t *testing.T) {
	f := newFixtureWithCeilings(t, 1_000_000, 10_000)
	account := uuid.New()
	f.fund(t, account, 20_000)
	if _, err := f.vault.Withdraw(context.Background(), vault.WithdrawRequest{
		Account: account,
		Amount:  5_000,
	}); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	state := f.vault.State()
	if state.Total != 15_000 {
		t.Errorf("total = %d, want 15000", state.Total)
	}
	if state.CapacityCeiling != 1_000_000 {
		t.Errorf("capacity ceiling = %d", state.CapacityCeiling)
	}
	if state.AvailableCapacity != 985_000 {
		t.Errorf("available = %d, want 985000", state.AvailableCapacity)
	}
	if state.WithdrawCeiling != 10_000 {
		t.Errorf("withdraw ceiling = %d", state.WithdrawCeiling)
	}
	if state.SlippageBps != 300 {
		t.Errorf("slippage = %d, want 300", state.SlippageBps)
	}
	if state.DepositCount != 1 || state.WithdrawalCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", state.DepositCount, state.WithdrawalCount)
	}
	if state.NextSeq != 3 {
		t.Errorf("next seq = %d, want 3", state.NextSeq)
	}
	if state.ChainTip == [32]byte{} {
		t.Error("chain tip still zero after two commits")
	}
}
