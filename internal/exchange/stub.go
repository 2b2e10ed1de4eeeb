package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	bpsmath "github.com/AlanLeo32/kipubankv3/internal/math"
)

// Rate prices an asset linearly: amountIn minor units of the asset buy
// amountIn * Num / Den unit minor units.
type Rate struct {
	Num uint64
	Den uint64
}

// StubRouter is a deterministic in-process Router for tests and local
// development. Quotes come from configured linear rates; settlement can be
// overridden to simulate venue behavior, including contract violations.
type StubRouter struct {
	mu     sync.RWMutex
	rates  map[string]Rate
	settle func(ctx context.Context, req SwapRequest) (uint64, error)
}

func NewStubRouter() *StubRouter {
	return &StubRouter{
		rates: make(map[string]Rate),
	}
}

// SetRate installs or replaces the direct route for asset.
func (s *StubRouter) SetRate(asset string, rate Rate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[asset] = rate
}

// DropRoute removes the direct route for asset.
func (s *StubRouter) DropRoute(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rates, asset)
}

// SetSettleFunc overrides swap settlement. The returned value is reported
// as the settled output verbatim, so tests can model venues that violate
// their own minimum-output contract.
func (s *StubRouter) SetSettleFunc(fn func(ctx context.Context, req SwapRequest) (uint64, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle = fn
}

func (s *StubRouter) quote(asset string, amountIn uint64) (uint64, error) {
	s.mu.RLock()
	rate, ok := s.rates[asset]
	s.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("no direct route for %s", asset)
	}
	if rate.Den == 0 {
		return 0, fmt.Errorf("misconfigured rate for %s", asset)
	}
	return bpsmath.MulDivFloor(amountIn, rate.Num, rate.Den), nil
}

func (s *StubRouter) AmountOut(ctx context.Context, asset string, amountIn uint64) (uint64, error) {
	return s.quote(asset, amountIn)
}

func (s *StubRouter) HasDirectRoute(ctx context.Context, asset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rates[asset]
	return ok, nil
}

func (s *StubRouter) ExecuteSwap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	s.mu.RLock()
	settle := s.settle
	s.mu.RUnlock()

	if settle != nil {
		out, err := settle(ctx, req)
		if err != nil {
			return SwapResult{}, err
		}
		return SwapResult{AmountOut: out}, nil
	}

	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		return SwapResult{}, fmt.Errorf("swap deadline expired")
	}

	out, err := s.quote(req.Route, req.AmountIn)
	if err != nil {
		return SwapResult{}, err
	}
	if out < req.MinAmountOut {
		return SwapResult{}, fmt.Errorf("swap output %d below minimum %d", out, req.MinAmountOut)
	}
	return SwapResult{AmountOut: out}, nil
}
