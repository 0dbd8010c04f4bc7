package math

import "math/big"

// ClampBps bounds a basis-point tolerance to [0, 10000].
func ClampBps(bps int64) int64 {
	if bps < 0 {
		return 0
	}
	if bps > BpsDenominator {
		return BpsDenominator
	}
	return bps
}

// BoundsForExactIn is the minimum acceptable output for a quoted output
// amount: floor(amount * (10000 - bps) / 10000).
func BoundsForExactIn(amount *big.Int, bps int64) *big.Int {
	bps = ClampBps(bps)
	out, _ := MulDiv(amount, big.NewInt(BpsDenominator-bps), big.NewInt(BpsDenominator), RoundFloor)
	return out
}

// BoundsForExactOut is the maximum acceptable input for a quoted input
// amount: ceil(amount * (10000 + bps) / 10000).
func BoundsForExactOut(amount *big.Int, bps int64) *big.Int {
	bps = ClampBps(bps)
	out, _ := MulDiv(amount, big.NewInt(BpsDenominator+bps), big.NewInt(BpsDenominator), RoundCeiling)
	return out
}

// TighterMinOut returns the effective minimum output. A proposed bound is
// used only when it protects at least as much as the local one.
func TighterMinOut(local, proposed *big.Int) (effective *big.Int, usedProposed bool) {
	if proposed != nil && proposed.Cmp(local) >= 0 {
		return new(big.Int).Set(proposed), true
	}
	return new(big.Int).Set(local), false
}

// TighterMaxIn is the exact-out counterpart of TighterMinOut.
func TighterMaxIn(local, proposed *big.Int) (effective *big.Int, usedProposed bool) {
	if proposed != nil && proposed.Sign() >= 0 && proposed.Cmp(local) <= 0 {
		return new(big.Int).Set(proposed), true
	}
	return new(big.Int).Set(local), false
}
