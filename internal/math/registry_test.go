package math

import (
	"errors"
	"testing"

	"SettleLedger/internal/errs"
)

func TestRegistryPrecedence(t *testing.T) {
	env := map[string]string{"SETTLE_DECIMALS_USDC": "6", "SETTLE_DECIMALS_BTC": "nope"}
	reg := testCodec(env).Registry()

	if got := reg.Get("brl"); got != 2 {
		t.Errorf("default BRL = %d, want 2", got)
	}
	if got := reg.Get("USDC"); got != 6 {
		t.Errorf("env USDC = %d, want 6", got)
	}
	if got := reg.Get("BTC"); got != 8 {
		t.Errorf("malformed env should fall through, BTC = %d", got)
	}
	if got := reg.Get("UNKNOWN"); got != FallbackDecimals {
		t.Errorf("fallback = %d, want %d", got, FallbackDecimals)
	}

	if err := reg.Set("USDC", 4); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := reg.Get("usdc"); got != 4 {
		t.Errorf("runtime override USDC = %d, want 4", got)
	}
}

func TestRegistrySetValidates(t *testing.T) {
	reg := NewRegistry()
	for _, d := range []int{-1, 19} {
		err := reg.Set("BRL", d)
		if !errors.Is(err, errs.ErrInvalidDecimals) {
			t.Errorf("Set(%d) err = %v, want invalid decimals", d, err)
		}
	}
	if got := reg.Get("BRL"); got != 2 {
		t.Errorf("failed Set must not change value, got %d", got)
	}
	if err := reg.Set("X", 0); err != nil {
		t.Errorf("0 decimals is valid: %v", err)
	}
	if err := reg.Set("Y", 18); err != nil {
		t.Errorf("18 decimals is valid: %v", err)
	}
}

func TestRegistryAssetOverride(t *testing.T) {
	reg := NewRegistry()
	key := AssetKey{Chain: "Polygon", Symbol: "usdc", Contract: "0xABC"}
	if err := reg.SetAssetOverride(key, 6); err != nil {
		t.Fatal(err)
	}
	if got := reg.GetAsset(AssetKey{Chain: "polygon", Symbol: "USDC", Contract: "0xabc"}); got != 6 {
		t.Errorf("asset override = %d, want 6", got)
	}
	if got := reg.GetAsset(AssetKey{Chain: "stellar", Symbol: "USDC"}); got != 7 {
		t.Errorf("unmatched asset should use symbol, got %d", got)
	}
}
