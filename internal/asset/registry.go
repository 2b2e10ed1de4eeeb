package asset

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset describes a depositable asset and its minor-unit scale.
type Asset struct {
	Symbol   string
	Decimals int32
	Native   bool // the rail-native asset, received without a token transfer
}

// Registry maps asset symbols to their definitions. The unit asset is the
// unit of account every ledger balance is denominated in.
type Registry struct {
	unit   Asset
	assets map[string]Asset
}

func NewRegistry(unit Asset, assets ...Asset) (*Registry, error) {
	if normalize(unit.Symbol) == "" {
		return nil, fmt.Errorf("unit asset has empty symbol")
	}

	r := &Registry{
		unit:   unit,
		assets: make(map[string]Asset, len(assets)+1),
	}
	r.assets[normalize(unit.Symbol)] = unit

	for _, a := range assets {
		key := normalize(a.Symbol)
		if key == "" {
			return nil, fmt.Errorf("asset has empty symbol")
		}
		if _, dup := r.assets[key]; dup && key != normalize(unit.Symbol) {
			return nil, fmt.Errorf("duplicate asset %s", a.Symbol)
		}
		r.assets[key] = a
	}

	return r, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Lookup resolves a symbol case-insensitively.
func (r *Registry) Lookup(symbol string) (Asset, bool) {
	a, ok := r.assets[normalize(symbol)]
	return a, ok
}

// Unit returns the unit-of-account asset.
func (r *Registry) Unit() Asset {
	return r.unit
}

// IsUnit reports whether symbol names the unit-of-account asset.
func (r *Registry) IsUnit(symbol string) bool {
	return normalize(symbol) == normalize(r.unit.Symbol)
}

// Native returns the rail-native asset, if one is registered.
func (r *Registry) Native() (Asset, bool) {
	for _, a := range r.assets {
		if a.Native {
			return a, true
		}
	}
	return Asset{}, false
}

// Symbols returns all registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	symbols := make([]string, 0, len(r.assets))
	for s := range r.assets {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

var maxMinor = decimal.NewFromBigInt(new(big.Int).SetUint64(^uint64(0)), 0)

// ToMinor converts a human-readable amount into the asset's minor units.
// Rejects negatives, precision beyond the asset's decimals, and values that
// do not fit in uint64.
func (r *Registry) ToMinor(symbol string, amount decimal.Decimal) (uint64, error) {
	a, ok := r.Lookup(symbol)
	if !ok {
		return 0, fmt.Errorf("unknown asset %q", symbol)
	}

	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}

	shifted := amount.Shift(a.Decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds the %d decimal places of %s", amount, a.Decimals, a.Symbol)
	}
	if shifted.Cmp(maxMinor) > 0 {
		return 0, fmt.Errorf("amount %s overflows %s minor units", amount, a.Symbol)
	}

	return shifted.BigInt().Uint64(), nil
}

// FromMinor converts minor units back into a human-readable amount.
func (r *Registry) FromMinor(symbol string, minor uint64) (decimal.Decimal, error) {
	a, ok := r.Lookup(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown asset %q", symbol)
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(minor), -a.Decimals), nil
}
