package mock

import (
	"context"
	"sync"
	"time"

	"SettleLedger/internal/capability"
	"SettleLedger/internal/errs"

	"github.com/shopspring/decimal"
)

// Oracle serves fixed reference prices.
type Oracle struct {
	mu     sync.Mutex
	prices map[capability.Pair]capability.Price
	err    error
	nowFn  func() time.Time
}

func NewOracle() *Oracle {
	return &Oracle{prices: make(map[capability.Pair]capability.Price), nowFn: time.Now}
}

func (o *Oracle) SetPrice(base, quote, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[capability.NewPair(base, quote)] = capability.Price{
		Value:     decimal.RequireFromString(value),
		Timestamp: o.nowFn(),
	}
}

// SetStale backdates the pair's timestamp.
func (o *Oracle) SetStale(base, quote string, age time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pair := capability.NewPair(base, quote)
	p := o.prices[pair]
	p.Timestamp = o.nowFn().Add(-age)
	o.prices[pair] = p
}

func (o *Oracle) FailWith(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Oracle) GetPrice(_ context.Context, pair capability.Pair) (capability.Price, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return capability.Price{}, o.err
	}
	p, ok := o.prices[pair]
	if !ok {
		return capability.Price{}, errs.E(errs.KindUnavailable, "no reference price for %s", pair)
	}
	return p, nil
}
