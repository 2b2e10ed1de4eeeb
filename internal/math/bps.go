package math

import (
	"math/big"
	"sync"
)

const (
	// BpsDenominator is the basis-point scale: 10_000 bps = 100%.
	BpsDenominator = 10_000

	// MaxToleranceBps caps the configurable slippage tolerance (20%).
	MaxToleranceBps = 2_000

	// DefaultToleranceBps is the tolerance applied when none is configured (3%).
	DefaultToleranceBps = 300
)

// bigPool recycles big.Int scratch values for the quoting hot path
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetUint64(0) // Clear before returning to pool
	bigPool.Put(v)
}

// MulDivFloor computes floor(a * b / den) with the intermediate product
// held in a big.Int so it cannot wrap. den must be non-zero.
func MulDivFloor(a, b, den uint64) uint64 {
	num := getBig()
	tmp := getBig()

	num.SetUint64(a)
	tmp.SetUint64(b)
	num.Mul(num, tmp)

	tmp.SetUint64(den)
	num.Quo(num, tmp) // Truncating division == floor for non-negative operands

	result := num.Uint64()

	putBig(num)
	putBig(tmp)

	return result
}

// MinAcceptable returns the smallest swap output still tolerated for a
// quoted expected output: floor(expected * (10000 - toleranceBps) / 10000).
// toleranceBps must already be validated <= MaxToleranceBps.
func MinAcceptable(expected, toleranceBps uint64) uint64 {
	return MulDivFloor(expected, BpsDenominator-toleranceBps, BpsDenominator)
}

// SaturatingSub returns a - b, clamped at zero.
func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
