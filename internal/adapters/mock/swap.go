// Package mock provides in-process capability implementations for tests
// and local runs without external venues.
package mock

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"
)

type route struct {
	from, to  string
	amountIn  *big.Int
	amountOut *big.Int
}

// Swap quotes from configured price schedules and fills at the quote.
type Swap struct {
	mu         sync.Mutex
	codec      *fpmath.Codec
	schedules  map[capability.Pair][]fpmath.Ratio
	quotes     map[capability.Pair]int
	routes     map[string]route
	failures   map[int]error
	proposeBps int64

	swaps int
}

func NewSwap(codec *fpmath.Codec) *Swap {
	return &Swap{
		codec:     codec,
		schedules: make(map[capability.Pair][]fpmath.Ratio),
		quotes:    make(map[capability.Pair]int),
		routes:    make(map[string]route),
		failures:  make(map[int]error),
	}
}

// SetPrices installs quote prices (quote per base) for a pair. The n-th
// quote on the pair uses prices[n], the last price repeating.
func (s *Swap) SetPrices(base, quote string, prices ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := capability.NewPair(base, quote)
	ratios := make([]fpmath.Ratio, 0, len(prices))
	for _, p := range prices {
		r, err := s.codec.PriceRatio(pair.Quote, pair.Base, p)
		if err != nil {
			return err
		}
		ratios = append(ratios, r)
	}
	s.schedules[pair] = ratios
	s.quotes[pair] = 0
	return nil
}

// FailSwap makes the n-th Swap call (1-based) return err.
func (s *Swap) FailSwap(n int, err error) {
	s.mu.Lock()
	s.failures[n] = err
	s.mu.Unlock()
}

// ProposeMinOut makes quotes carry a venue bound at bps below AmountOut.
func (s *Swap) ProposeMinOut(bps int64) {
	s.mu.Lock()
	s.proposeBps = bps
	s.mu.Unlock()
}

// Swaps returns how many swaps were executed.
func (s *Swap) Swaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swaps
}

func (s *Swap) Quote(_ context.Context, fromAsset, toAsset string, amountIn *big.Int) (capability.SwapQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := strings.ToUpper(fromAsset), strings.ToUpper(toAsset)
	pair := capability.NewPair(from, to)
	schedule, ok := s.schedules[pair]
	if !ok {
		pair = capability.NewPair(to, from)
		schedule, ok = s.schedules[pair]
	}
	if !ok || len(schedule) == 0 {
		return capability.SwapQuote{}, errs.E(errs.KindUnavailable, "no liquidity for %s/%s", from, to)
	}
	n := s.quotes[pair]
	s.quotes[pair] = n + 1
	if n >= len(schedule) {
		n = len(schedule) - 1
	}

	out, err := s.codec.ConvertUnits(amountIn, from, to, schedule[n], fpmath.RoundFloor)
	if err != nil {
		return capability.SwapQuote{}, err
	}
	id := fmt.Sprintf("route-%d", len(s.routes)+1)
	s.routes[id] = route{from: from, to: to, amountIn: new(big.Int).Set(amountIn), amountOut: out}

	q := capability.SwapQuote{AmountOut: out, Route: id}
	if s.proposeBps > 0 {
		q.MinOut = fpmath.BoundsForExactIn(out, s.proposeBps)
	}
	return q, nil
}

func (s *Swap) Swap(_ context.Context, routeID string, amountIn, minOut *big.Int) (capability.SwapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routes[routeID]
	if !ok {
		return capability.SwapResult{}, errs.E(errs.KindValidation, "unknown route %s", routeID)
	}
	if r.amountIn.Cmp(amountIn) != 0 {
		return capability.SwapResult{}, errs.E(errs.KindValidation, "route %s quoted for %s, got %s", routeID, r.amountIn, amountIn)
	}
	s.swaps++
	if err, ok := s.failures[s.swaps]; ok {
		return capability.SwapResult{}, err
	}
	if r.amountOut.Cmp(minOut) < 0 {
		return capability.SwapResult{}, errs.E(errs.KindValidation, "slippage: out %s < min %s", r.amountOut, minOut)
	}
	return capability.SwapResult{
		TxHash:    fmt.Sprintf("0xswap%04d", s.swaps),
		AmountOut: new(big.Int).Set(r.amountOut),
		FeeNative: big.NewInt(0),
		FeeAsset:  "XLM",
	}, nil
}
