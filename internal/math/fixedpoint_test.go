package math

import (
	"math/big"
	"testing"
)

func TestMulDivRoundingModes(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		mode    RoundingMode
		want    int64
	}{
		{"exact", 10, 3, 2, RoundTruncate, 15},
		{"truncate positive", 7, 1, 2, RoundTruncate, 3},
		{"half-up positive", 7, 1, 2, RoundHalfUp, 4},
		{"half-up below half", 7, 1, 3, RoundHalfUp, 2},
		{"floor positive", 7, 1, 2, RoundFloor, 3},
		{"ceiling positive", 7, 1, 2, RoundCeiling, 4},
		{"truncate negative", -7, 1, 2, RoundTruncate, -3},
		{"half-up negative", -7, 1, 2, RoundHalfUp, -4},
		{"floor negative", -7, 1, 2, RoundFloor, -4},
		{"ceiling negative", -7, 1, 2, RoundCeiling, -3},
		{"negative divisor", 7, 1, -2, RoundFloor, -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MulDiv(big.NewInt(tt.a), big.NewInt(tt.b), big.NewInt(tt.c), tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Int64() != tt.want {
				t.Errorf("MulDiv(%d,%d,%d,%s) = %d, want %d", tt.a, tt.b, tt.c, tt.mode, got.Int64(), tt.want)
			}
		})
	}
}

func TestMulDivDivisionByZero(t *testing.T) {
	if _, err := MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0), RoundTruncate); err == nil {
		t.Fatal("expected error on zero divisor")
	}
}

func TestMulDivRoundingMonotonic(t *testing.T) {
	for a := int64(1); a < 60; a++ {
		for c := int64(1); c < 13; c++ {
			A, B, C := big.NewInt(a), big.NewInt(7), big.NewInt(c)
			floor, _ := MulDiv(A, B, C, RoundFloor)
			half, _ := MulDiv(A, B, C, RoundHalfUp)
			ceil, _ := MulDiv(A, B, C, RoundCeiling)
			if floor.Cmp(half) > 0 || half.Cmp(ceil) > 0 {
				t.Fatalf("a=%d c=%d: floor=%s half=%s ceil=%s", a, c, floor, half, ceil)
			}
		}
	}
}

func TestWeightedAverage(t *testing.T) {
	// 10 @ 100 then 30 @ 200 -> 175
	avg := WeightedAverage(big.NewInt(100), big.NewInt(10), big.NewInt(200), big.NewInt(30))
	if avg.Int64() != 175 {
		t.Errorf("avg = %s, want 175", avg)
	}

	first := WeightedAverage(big.NewInt(0), big.NewInt(0), big.NewInt(42), big.NewInt(5))
	if first.Int64() != 42 {
		t.Errorf("first fill avg = %s, want 42", first)
	}
}

func TestRoundingModeParse(t *testing.T) {
	for _, name := range []string{"truncate", "half-up", "floor", "ceiling"} {
		m, err := ParseRoundingMode(name)
		if err != nil {
			t.Fatalf("ParseRoundingMode(%q): %v", name, err)
		}
		if m.String() != name {
			t.Errorf("round trip %q -> %q", name, m.String())
		}
	}
	if _, err := ParseRoundingMode("banker"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
