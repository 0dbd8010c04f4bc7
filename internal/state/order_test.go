package state_test

import (
	"SettleLedger/internal/errs"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/state"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
)

func price(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), fpmath.Pow10(fpmath.PriceDecimals))
}

func TestOrder_SellFillsAndAverage(t *testing.T) {
	o, err := state.NewOrder(uuid.New(), state.SideSell, "BTC", "BRL", big.NewInt(100), 2, state.SourceAPI)
	if err != nil {
		t.Fatal(err)
	}

	if err := o.ApplyFill(state.Fill{AmountIn: big.NewInt(25), AmountOut: big.NewInt(2500), Price: price(100)}); err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	if o.Status != state.OrderPartiallyFilled {
		t.Errorf("status after partial: %s", o.Status)
	}

	if err := o.ApplyFill(state.Fill{AmountIn: big.NewInt(75), AmountOut: big.NewInt(15000), Price: price(200)}); err != nil {
		t.Fatalf("fill 2: %v", err)
	}
	if o.Status != state.OrderFilled {
		t.Errorf("status after full: %s", o.Status)
	}
	// (100*25 + 200*75) / 100 = 175
	if o.AvgPrice.Cmp(price(175)) != 0 {
		t.Errorf("avg price: got %s, want 175", fpmath.FormatPrice(o.AvgPrice))
	}
	if o.FilledCounter.Int64() != 17500 {
		t.Errorf("filled counter: %s", o.FilledCounter)
	}
}

func TestOrder_BuyWeightsByBaseReceived(t *testing.T) {
	o, _ := state.NewOrder(uuid.New(), state.SideBuy, "USDC", "BRL", big.NewInt(1000), 2, state.SourceAutoBuy)
	if o.InputAsset() != "BRL" || o.OutputAsset() != "USDC" || o.Pair() != "BRL/USDC" {
		t.Fatalf("buy assets: %s -> %s", o.InputAsset(), o.OutputAsset())
	}

	_ = o.ApplyFill(state.Fill{AmountIn: big.NewInt(500), AmountOut: big.NewInt(100), Price: price(5)})
	_ = o.ApplyFill(state.Fill{AmountIn: big.NewInt(500), AmountOut: big.NewInt(300), Price: price(1)})
	// weights are base received: (5*100 + 1*300) / 400 = 2
	if o.AvgPrice.Cmp(price(2)) != 0 {
		t.Errorf("avg price: got %s, want 2", fpmath.FormatPrice(o.AvgPrice))
	}
	if o.BaseFilled().Int64() != 400 {
		t.Errorf("base filled: %s", o.BaseFilled())
	}
}

func TestOrder_RejectsOverfill(t *testing.T) {
	o, _ := state.NewOrder(uuid.New(), state.SideSell, "BTC", "BRL", big.NewInt(10), 1, state.SourceAPI)
	err := o.ApplyFill(state.Fill{AmountIn: big.NewInt(11), AmountOut: big.NewInt(1), Price: price(1)})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if o.FilledAmount.Sign() != 0 || o.Status != state.OrderOpen {
		t.Error("rejected fill must not mutate the order")
	}
}

func TestOrder_CancelTransitions(t *testing.T) {
	o, _ := state.NewOrder(uuid.New(), state.SideSell, "BTC", "BRL", big.NewInt(10), 1, state.SourceAPI)
	if err := o.Cancel(); err != nil {
		t.Fatalf("cancel open: %v", err)
	}
	if err := o.Cancel(); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("cancel twice: %v", err)
	}
	err := o.ApplyFill(state.Fill{AmountIn: big.NewInt(1), AmountOut: big.NewInt(1), Price: price(1)})
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("fill after cancel: %v", err)
	}

	filled, _ := state.NewOrder(uuid.New(), state.SideSell, "BTC", "BRL", big.NewInt(1), 1, state.SourceAPI)
	_ = filled.ApplyFill(state.Fill{AmountIn: big.NewInt(1), AmountOut: big.NewInt(1), Price: price(1)})
	if err := filled.Cancel(); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("cancel filled: %v", err)
	}
}

func TestOrderStatus_NeverReverts(t *testing.T) {
	all := []state.OrderStatus{state.OrderOpen, state.OrderPartiallyFilled, state.OrderFilled, state.OrderCancelled}
	for _, s := range []state.OrderStatus{state.OrderFilled, state.OrderCancelled} {
		for _, next := range all {
			if s.CanTransitionTo(next) {
				t.Errorf("%s -> %s should be forbidden", s, next)
			}
		}
	}
	if state.OrderPartiallyFilled.CanTransitionTo(state.OrderOpen) {
		t.Error("partially_filled -> open should be forbidden")
	}
}

func TestOrder_ChunkRefDeterministic(t *testing.T) {
	o, _ := state.NewOrder(uuid.New(), state.SideSell, "BTC", "BRL", big.NewInt(10), 3, state.SourceAPI)
	if o.ChunkRef(2) != o.ID.String()+"-2" {
		t.Errorf("chunk ref: %s", o.ChunkRef(2))
	}
}

func TestDeposit_Advance(t *testing.T) {
	d := &state.Deposit{TxID: "tx", Status: state.DepositStarted}
	if err := d.Advance(state.DepositConfirmed); err != nil {
		t.Fatal(err)
	}
	if err := d.Advance(state.DepositCredited); err != nil {
		t.Fatal(err)
	}
	if err := d.Advance(state.DepositConfirmed); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("credited must be terminal, got %v", err)
	}
	if err := d.Advance(state.DepositAmountMismatch); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("credited -> mismatch must fail, got %v", err)
	}
}

func TestVaultPosition_AddAndRedeem(t *testing.T) {
	p := state.NewVaultPosition(uuid.New(), "yield-usdc", "USDC")
	p.Add(big.NewInt(300), big.NewInt(1000))
	p.Add(big.NewInt(100), big.NewInt(333))
	if p.Shares.Int64() != 400 || p.Principal.Int64() != 1333 {
		t.Fatalf("after adds: shares=%s principal=%s", p.Shares, p.Principal)
	}

	released, err := p.Redeem(big.NewInt(100))
	if err != nil {
		t.Fatal(err)
	}
	// floor(1333 * 100 / 400) = 333
	if released.Int64() != 333 || p.Principal.Int64() != 1000 || p.Shares.Int64() != 300 {
		t.Errorf("redeem: released=%s principal=%s shares=%s", released, p.Principal, p.Shares)
	}

	if _, err := p.Redeem(big.NewInt(301)); !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Errorf("over-redeem: %v", err)
	}
	released, _ = p.Redeem(big.NewInt(300))
	if released.Int64() != 1000 || p.Principal.Sign() != 0 {
		t.Errorf("full redeem: released=%s left=%s", released, p.Principal)
	}
}
