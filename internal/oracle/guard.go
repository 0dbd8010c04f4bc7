// Package oracle implements the execution-price circuit breaker.
package oracle

import (
	"context"
	"math/big"
	"time"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"
)

// Guard compares execution prices against an independent reference.
type Guard struct {
	oracle  capability.PriceOracle
	enabled bool
	maxAge  time.Duration
	nowFn   func() time.Time
}

type Option func(*Guard)

// WithMaxAge rejects reference prices older than d. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(g *Guard) { g.maxAge = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.nowFn = now }
}

func NewGuard(oracle capability.PriceOracle, enabled bool, opts ...Option) *Guard {
	g := &Guard{oracle: oracle, enabled: enabled, nowFn: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Enabled() bool { return g != nil && g.enabled && g.oracle != nil }

// Check fails with OracleBlock when the execution price (PriceDecimals
// fixed-point, quote per base) deviates from the reference by more than
// maxSpreadBps. A disabled guard always passes.
func (g *Guard) Check(ctx context.Context, executionPrice *big.Int, pair capability.Pair, maxSpreadBps int64) error {
	if !g.Enabled() {
		return nil
	}
	ref, err := g.oracle.GetPrice(ctx, pair)
	if err != nil {
		return errs.E(errs.KindUnavailable, "oracle %s: %w", pair, err)
	}
	if g.maxAge > 0 && g.nowFn().Sub(ref.Timestamp) > g.maxAge {
		return errs.E(errs.KindUnavailable, "oracle %s: reference price is stale (%s)", pair, ref.Timestamp.UTC().Format(time.RFC3339))
	}
	if ref.Value.Sign() <= 0 {
		return errs.E(errs.KindUnavailable, "oracle %s: non-positive reference price", pair)
	}

	spread := SpreadBps(fpmath.PriceRat(executionPrice), ref.Value.Rat())
	if spread.Cmp(new(big.Rat).SetInt64(fpmath.ClampBps(maxSpreadBps))) > 0 {
		return errs.E(errs.KindOracleBlock, "%s: execution %s vs reference %s, spread %s bps > %d",
			pair, fpmath.FormatPrice(executionPrice), ref.Value.String(), spread.FloatString(2), maxSpreadBps)
	}
	return nil
}

// SpreadBps returns |execution - reference| / reference * 10000, exactly.
func SpreadBps(execution, reference *big.Rat) *big.Rat {
	diff := new(big.Rat).Sub(execution, reference)
	diff.Abs(diff)
	diff.Quo(diff, reference)
	return diff.Mul(diff, new(big.Rat).SetInt64(fpmath.BpsDenominator))
}
