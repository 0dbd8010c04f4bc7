package math

import (
	"math/big"
	"testing"
)

func TestSlippageExamples(t *testing.T) {
	if got := BoundsForExactIn(big.NewInt(1000), 50); got.Int64() != 995 {
		t.Errorf("minOut(1000, 50) = %s, want 995", got)
	}
	if got := BoundsForExactOut(big.NewInt(1000), 50); got.Int64() != 1005 {
		t.Errorf("maxIn(1000, 50) = %s, want 1005", got)
	}
	// 999 * 1.005 = 1003.995 -> ceil 1004
	if got := BoundsForExactOut(big.NewInt(999), 50); got.Int64() != 1004 {
		t.Errorf("maxIn(999, 50) = %s, want 1004", got)
	}
}

func TestSlippageZeroBpsIdentity(t *testing.T) {
	for _, v := range []int64{0, 1, 999, 123456789} {
		x := big.NewInt(v)
		if BoundsForExactIn(x, 0).Cmp(x) != 0 || BoundsForExactOut(x, 0).Cmp(x) != 0 {
			t.Errorf("zero bps changed %d", v)
		}
	}
}

func TestSlippageMonotonic(t *testing.T) {
	x := big.NewInt(987654)
	prevMin, prevMax := new(big.Int).Set(x), new(big.Int).Set(x)
	for bps := int64(1); bps <= 10000; bps += 37 {
		minOut := BoundsForExactIn(x, bps)
		maxIn := BoundsForExactOut(x, bps)
		if minOut.Cmp(prevMin) > 0 || maxIn.Cmp(prevMax) < 0 {
			t.Fatalf("bps=%d not monotonic", bps)
		}
		prevMin, prevMax = minOut, maxIn
	}
}

func TestSlippageClamp(t *testing.T) {
	x := big.NewInt(1000)
	if got := BoundsForExactIn(x, 20000); got.Sign() != 0 {
		t.Errorf("clamped minOut = %s, want 0", got)
	}
	if got := BoundsForExactIn(x, -5); got.Cmp(x) != 0 {
		t.Errorf("negative bps should clamp to 0, got %s", got)
	}
}

func TestTighterBounds(t *testing.T) {
	local := big.NewInt(995)
	if eff, used := TighterMinOut(local, big.NewInt(990)); used || eff.Int64() != 995 {
		t.Errorf("looser proposed minOut accepted: %s", eff)
	}
	if eff, used := TighterMinOut(local, big.NewInt(998)); !used || eff.Int64() != 998 {
		t.Errorf("tighter proposed minOut ignored: %s", eff)
	}
	if eff, used := TighterMinOut(local, nil); used || eff.Int64() != 995 {
		t.Errorf("nil proposed: %s", eff)
	}
	if eff, used := TighterMaxIn(big.NewInt(1005), big.NewInt(1010)); used || eff.Int64() != 1005 {
		t.Errorf("looser proposed maxIn accepted: %s", eff)
	}
}
