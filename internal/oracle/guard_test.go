package oracle_test

import (
	"SettleLedger/internal/adapters/mock"
	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/oracle"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedPrice builds a PriceDecimals price from a human string.
func fixedPrice(t *testing.T, s string) *big.Int {
	t.Helper()
	reg := fpmath.NewRegistry()
	require.NoError(t, reg.Set("PX", fpmath.PriceDecimals))
	a, err := fpmath.NewCodec(reg).ToUnits("PX", s, fpmath.RoundTruncate)
	require.NoError(t, err)
	return a.Units
}

func TestGuard_BlocksWideSpread(t *testing.T) {
	ctx := context.Background()
	o := mock.NewOracle()
	o.SetPrice("USDC", "BRL", "5.00")
	g := oracle.NewGuard(o, true)
	pair := capability.NewPair("USDC", "BRL")

	// 5.06 vs 5.00 is 120 bps
	err := g.Check(ctx, fixedPrice(t, "5.06"), pair, 75)
	require.ErrorIs(t, err, errs.ErrOracleBlock)

	// 5.03 is 60 bps
	require.NoError(t, g.Check(ctx, fixedPrice(t, "5.03"), pair, 75))
	// exactly at the limit passes
	require.NoError(t, g.Check(ctx, fixedPrice(t, "4.9625"), pair, 75))
}

func TestGuard_Disabled(t *testing.T) {
	o := mock.NewOracle()
	o.FailWith(errors.New("feed down"))
	g := oracle.NewGuard(o, false)
	require.NoError(t, g.Check(context.Background(), fixedPrice(t, "999"), capability.NewPair("USDC", "BRL"), 1))
}

func TestGuard_ReferenceProblemsAreUnavailable(t *testing.T) {
	ctx := context.Background()
	pair := capability.NewPair("USDC", "BRL")

	missing := oracle.NewGuard(mock.NewOracle(), true)
	require.ErrorIs(t, missing.Check(ctx, fixedPrice(t, "5"), pair, 75), errs.ErrUnavailable)

	o := mock.NewOracle()
	o.SetPrice("USDC", "BRL", "5")
	o.SetStale("USDC", "BRL", time.Hour)
	stale := oracle.NewGuard(o, true, oracle.WithMaxAge(time.Minute))
	require.ErrorIs(t, stale.Check(ctx, fixedPrice(t, "5"), pair, 75), errs.ErrUnavailable)
}

func TestSpreadBps(t *testing.T) {
	got := oracle.SpreadBps(big.NewRat(506, 100), big.NewRat(5, 1))
	require.Equal(t, "120", got.RatString())
}
