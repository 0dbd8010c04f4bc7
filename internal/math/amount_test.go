package math

import (
	"math/big"
	"testing"
)

func testCodec(env map[string]string) *Codec {
	return NewCodec(NewRegistry(WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})))
}

func TestToUnitsExamples(t *testing.T) {
	c := testCodec(nil)

	a, err := c.ToUnits("BRL", "10.50", RoundTruncate)
	if err != nil {
		t.Fatalf("ToUnits: %v", err)
	}
	if a.Units.Int64() != 1050 {
		t.Errorf("10.50 BRL = %s units, want 1050", a.Units)
	}
	if got := c.FromUnits(a); got != "10.5" {
		t.Errorf("FromUnits(1050 BRL) = %q, want 10.5", got)
	}
}

func TestToUnitsLocaleVariants(t *testing.T) {
	c := testCodec(nil)
	tests := []struct {
		in   string
		want int64
	}{
		{"1,234.56", 123456},
		{"1.234,56", 123456},
		{"10,5", 1050},
		{"  +7.1 ", 710},
		{"1,234,567", 123456700},
		{"1.234.567", 123456700},
		{"-0,01", -1},
		{"1 234,50", 123450},
	}
	for _, tt := range tests {
		a, err := c.ToUnits("BRL", tt.in, RoundTruncate)
		if err != nil {
			t.Errorf("ToUnits(%q): %v", tt.in, err)
			continue
		}
		if a.Units.Int64() != tt.want {
			t.Errorf("ToUnits(%q) = %s, want %d", tt.in, a.Units, tt.want)
		}
	}
}

func TestToUnitsRejectsMalformed(t *testing.T) {
	c := testCodec(nil)
	for _, in := range []string{"", "abc", "1.2.3,4,5", "1e5", "--1", ".5", "5.", "0x10", "1,2,3.4,5"} {
		if _, err := c.ToUnits("BRL", in, RoundTruncate); err == nil {
			t.Errorf("ToUnits(%q) should fail", in)
		}
	}
}

func TestToUnitsRounding(t *testing.T) {
	c := testCodec(nil)
	tests := []struct {
		in   string
		mode RoundingMode
		want int64
	}{
		{"1.005", RoundTruncate, 100},
		{"1.005", RoundHalfUp, 101},
		{"1.004", RoundHalfUp, 100},
		{"1.001", RoundFloor, 100},
		{"1.001", RoundCeiling, 101},
		{"-1.001", RoundFloor, -101},
		{"-1.001", RoundCeiling, -100},
		{"-1.005", RoundHalfUp, -101},
		{"1.000", RoundCeiling, 100},
	}
	for _, tt := range tests {
		a, err := c.ToUnits("BRL", tt.in, tt.mode)
		if err != nil {
			t.Fatalf("ToUnits(%q): %v", tt.in, err)
		}
		if a.Units.Int64() != tt.want {
			t.Errorf("ToUnits(%q, %s) = %s, want %d", tt.in, tt.mode, a.Units, tt.want)
		}
	}
}

func TestRoundTripCanonical(t *testing.T) {
	c := testCodec(nil)
	cases := map[string]string{
		"BRL:10.50":            "10.5",
		"BRL:0.00":             "0",
		"BRL:-3.10":            "-3.1",
		"BTC:0.00000001":       "0.00000001",
		"ETH:123.000000000000": "123",
		"USDC:42":              "42",
		"XYZ:1.2345678":        "1.2345678",
	}
	for in, want := range cases {
		sym, human := splitCase(in)
		a, err := c.ToUnits(sym, human, RoundTruncate)
		if err != nil {
			t.Fatalf("ToUnits(%s): %v", in, err)
		}
		if got := c.FromUnits(a); got != want {
			t.Errorf("round trip %s = %q, want %q", in, got, want)
		}
	}
}

func splitCase(s string) (string, string) {
	for i := range s {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func TestNegativeZeroIsZero(t *testing.T) {
	c := testCodec(nil)
	a, err := c.ToUnits("BRL", "-0.00", RoundTruncate)
	if err != nil {
		t.Fatal(err)
	}
	if a.Units.Sign() != 0 {
		t.Errorf("-0.00 = %s", a.Units)
	}
	if got := c.FromUnits(a); got != "0" {
		t.Errorf("FromUnits(-0) = %q", got)
	}
}

func TestFormatGrouped(t *testing.T) {
	c := testCodec(nil)
	a := NewAmount("BRL", big.NewInt(123456750))
	if got := c.FormatGrouped(a, StyleEN); got != "1,234,567.5" {
		t.Errorf("EN = %q", got)
	}
	if got := c.FormatGrouped(a, StylePTBR); got != "1.234.567,50" {
		t.Errorf("PT-BR = %q", got)
	}
	neg := NewAmount("BRL", big.NewInt(-100000))
	if got := c.FormatGrouped(neg, StyleEN); got != "-1,000" {
		t.Errorf("negative EN = %q", got)
	}
}
