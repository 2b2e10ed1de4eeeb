package vault

import (
	"sync"

	bpsmath "github.com/AlanLeo32/kipubankv3/internal/math"
)

// Params holds the vault's runtime-tunable parameters. The capacity and
// withdrawal ceilings are fixed at construction; only the slippage
// tolerance changes after boot, and only through an authorized caller.
type Params struct {
	mu           sync.RWMutex
	toleranceBps uint64
}

func NewParams() *Params {
	return &Params{
		toleranceBps: bpsmath.DefaultToleranceBps,
	}
}

// SlippageTolerance returns the current tolerance in basis points.
func (p *Params) SlippageTolerance() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.toleranceBps
}

// SetSlippageTolerance replaces the tolerance. Values above
// bpsmath.MaxToleranceBps fail with ErrInvalidSlippage.
func (p *Params) SetSlippageTolerance(bps uint64) error {
	if bps > bpsmath.MaxToleranceBps {
		return ErrInvalidSlippage
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.toleranceBps = bps
	return nil
}
