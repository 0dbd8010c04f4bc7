package state

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", errs.E(errs.KindValidation, "unknown side %q", s)
}

type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// CanTransitionTo validates state transitions
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	validTransitions := map[OrderStatus][]OrderStatus{
		OrderOpen: {
			OrderPartiallyFilled,
			OrderFilled,
			OrderCancelled,
		},
		OrderPartiallyFilled: {
			OrderPartiallyFilled, // further partial fills
			OrderFilled,
			OrderCancelled,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// OrderSource tells which execution path owns the order.
type OrderSource string

const (
	SourceAPI     OrderSource = "api"
	SourceAutoBuy OrderSource = "autobuy"
)

// Order accumulates chunk fills. RequestedAmount and FilledAmount are in
// the input asset (base for sells, quote for buys); FilledCounter is in the
// output asset. AvgPrice is a PriceDecimals fixed-point quote-per-base.
type Order struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Side            Side
	Symbol          string
	QuoteSymbol     string
	Source          OrderSource
	ClientRef       string
	DepositTxID     string
	RequestedAmount *big.Int
	FilledAmount    *big.Int
	FilledCounter   *big.Int
	AvgPrice        *big.Int
	Status          OrderStatus
	ChunkCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewOrder(userID uuid.UUID, side Side, symbol, quote string, requested *big.Int, chunks int, source OrderSource) (*Order, error) {
	if requested == nil || requested.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "order amount must be positive")
	}
	if chunks < 1 {
		return nil, errs.E(errs.KindValidation, "order needs at least one chunk, got %d", chunks)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if symbol == "" || symbol == quote {
		return nil, errs.E(errs.KindValidation, "invalid pair %s/%s", symbol, quote)
	}
	now := time.Now().UTC()
	return &Order{
		ID:              uuid.New(),
		UserID:          userID,
		Side:            side,
		Symbol:          symbol,
		QuoteSymbol:     quote,
		Source:          source,
		RequestedAmount: new(big.Int).Set(requested),
		FilledAmount:    new(big.Int),
		FilledCounter:   new(big.Int),
		AvgPrice:        new(big.Int),
		Status:          OrderOpen,
		ChunkCount:      chunks,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// InputAsset is what the order spends.
func (o *Order) InputAsset() string {
	if o.Side == SideSell {
		return o.Symbol
	}
	return o.QuoteSymbol
}

// OutputAsset is what the order receives.
func (o *Order) OutputAsset() string {
	if o.Side == SideSell {
		return o.QuoteSymbol
	}
	return o.Symbol
}

// Pair is the swap pair in input/output order, e.g. "BRL/USDC" for a buy.
func (o *Order) Pair() string {
	return o.InputAsset() + "/" + o.OutputAsset()
}

// ChunkRef is the deterministic idempotency key for chunk i.
func (o *Order) ChunkRef(i int) string {
	return fmt.Sprintf("%s-%d", o.ID, i)
}

// BaseFilled is the cumulative base quantity, the weight of AvgPrice.
func (o *Order) BaseFilled() *big.Int {
	if o.Side == SideSell {
		return o.FilledAmount
	}
	return o.FilledCounter
}

func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.RequestedAmount, o.FilledAmount)
}

func (o *Order) IsTerminal() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled
}

// Fill is one executed chunk as seen by the order.
type Fill struct {
	AmountIn  *big.Int
	AmountOut *big.Int
	Price     *big.Int // PriceDecimals
}

// ApplyFill accumulates a non-duplicate chunk fill and advances the status.
func (o *Order) ApplyFill(f Fill) error {
	if f.AmountIn == nil || f.AmountIn.Sign() <= 0 || f.AmountOut == nil || f.AmountOut.Sign() < 0 {
		return errs.E(errs.KindValidation, "order %s: invalid fill amounts", o.ID)
	}
	filled := new(big.Int).Add(o.FilledAmount, f.AmountIn)
	if filled.Cmp(o.RequestedAmount) > 0 {
		return errs.E(errs.KindValidation, "order %s: fill %s exceeds remaining %s", o.ID, f.AmountIn, o.Remaining())
	}

	next := OrderPartiallyFilled
	if filled.Cmp(o.RequestedAmount) == 0 {
		next = OrderFilled
	}
	if !o.Status.CanTransitionTo(next) {
		return errs.E(errs.KindInvalidTransition, "order %s: %s -> %s", o.ID, o.Status, next)
	}

	baseQty := f.AmountOut
	if o.Side == SideSell {
		baseQty = f.AmountIn
	}
	o.AvgPrice = fpmath.WeightedAverage(o.AvgPrice, o.BaseFilled(), f.Price, baseQty)
	o.FilledAmount = filled
	o.FilledCounter = new(big.Int).Add(o.FilledCounter, f.AmountOut)
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel is allowed from open or partially_filled only.
func (o *Order) Cancel() error {
	if !o.Status.CanTransitionTo(OrderCancelled) {
		return errs.E(errs.KindInvalidTransition, "order %s: cannot cancel from %s", o.ID, o.Status)
	}
	o.Status = OrderCancelled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.RequestedAmount = new(big.Int).Set(o.RequestedAmount)
	cp.FilledAmount = new(big.Int).Set(o.FilledAmount)
	cp.FilledCounter = new(big.Int).Set(o.FilledCounter)
	cp.AvgPrice = new(big.Int).Set(o.AvgPrice)
	return &cp
}
