package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"SettleLedger/internal/autobuy"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
)

// OrderRequest is a direct order from the API. Amount is a human string
// in the input asset: the symbol for sells, the quote asset for buys.
type OrderRequest struct {
	UserID    uuid.UUID
	Side      string
	Symbol    string
	Amount    string
	ClientRef string
	Chunks    int
}

// OrderService creates and cancels direct orders. Direct orders execute on
// the all-or-nothing path.
type OrderService struct {
	engine *Engine
	store  persistence.Store
	codec  *fpmath.Codec
	quote  string
}

func NewOrderService(engine *Engine, quoteAsset string) *OrderService {
	return &OrderService{
		engine: engine,
		store:  engine.store,
		codec:  engine.codec,
		quote:  strings.ToUpper(quoteAsset),
	}
}

// Create validates the request and executes it atomically. A repeated
// client_ref returns the existing order instead of executing again.
func (s *OrderService) Create(ctx context.Context, req OrderRequest) (*Result, error) {
	if req.UserID == uuid.Nil {
		return nil, errs.E(errs.KindValidation, "user_id is required")
	}
	side, err := state.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	chunks := req.Chunks
	if chunks == 0 {
		chunks = 1
	}
	if chunks < 1 || chunks > autobuy.DefaultMaxChunks {
		return nil, errs.E(errs.KindValidation, "chunks must be between 1 and %d", autobuy.DefaultMaxChunks)
	}
	clientRef := strings.TrimSpace(req.ClientRef)
	if clientRef != "" {
		if res, err := s.replay(ctx, req.UserID, clientRef); err == nil || !errors.Is(err, errs.ErrNotFound) {
			return res, err
		}
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	input := s.quote
	if side == state.SideSell {
		input = symbol
	}
	amount, err := s.codec.ToUnits(input, req.Amount, fpmath.RoundTruncate)
	if err != nil {
		return nil, err
	}
	o, err := state.NewOrder(req.UserID, side, symbol, s.quote, amount.Units, chunks, state.SourceAPI)
	if err != nil {
		return nil, err
	}
	o.ClientRef = clientRef

	res, err := s.engine.ExecuteAtomic(ctx, o)
	if err != nil && clientRef != "" && errors.Is(err, errs.ErrConflict) {
		// Lost a race on the same client_ref.
		return s.replay(ctx, req.UserID, clientRef)
	}
	return res, err
}

func (s *OrderService) replay(ctx context.Context, userID uuid.UUID, clientRef string) (*Result, error) {
	existing, err := s.store.FindOrderByClientRef(ctx, userID, clientRef)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Order: existing, Trades: trades, Replayed: true}, nil
}

// Cancel moves an open or partially filled order to cancelled. Chunks
// already filled stay filled; an isolated run stops before its next chunk.
// Cancel waits on the order lock, so a chunk in flight is booked first.
func (s *OrderService) Cancel(ctx context.Context, orderID uuid.UUID) (*state.Order, error) {
	unlock, err := s.engine.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	var cancelled *state.Order
	err = s.store.InTx(ctx, func(tx persistence.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := o.Cancel(); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	id := cancelled.ID
	s.engine.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(event.EventOrderCancelled) + ":" + id.String(),
		Type:           event.EventOrderCancelled,
		UserID:         cancelled.UserID,
		OrderID:        &id,
		Asset:          cancelled.InputAsset(),
		Amount:         cancelled.Remaining().String(),
		Timestamp:      time.Now().UTC(),
	})
	s.engine.logger.Info().Str("order_id", id.String()).Msg("order cancelled")
	return cancelled, nil
}

// Get returns an order with its trades.
func (s *OrderService) Get(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &Result{Order: o, Trades: trades}, nil
}
