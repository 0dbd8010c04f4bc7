// Package execution runs chunked swap orders against the swap venue and
// records each filled chunk in the ledger.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"SettleLedger/internal/autobuy"
	"SettleLedger/internal/capability"
	"SettleLedger/internal/core"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/oracle"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	pathAtomic   = "atomic"
	pathIsolated = "isolated"
)

type Config struct {
	SlippageBps  int64
	MaxSpreadBps int64
	// ChunkTimeout bounds the external calls of one chunk. Zero means no
	// timeout beyond the caller's context.
	ChunkTimeout time.Duration
}

// DefaultConfig: 50 bps slippage, 75 bps oracle spread, 30s per chunk.
func DefaultConfig() Config {
	return Config{SlippageBps: 50, MaxSpreadBps: 75, ChunkTimeout: 30 * time.Second}
}

type ChunkStatus string

const (
	ChunkFilled        ChunkStatus = "filled"
	ChunkDuplicate     ChunkStatus = "duplicate"
	ChunkFailed        ChunkStatus = "failed"
	ChunkOracleBlocked ChunkStatus = "oracle_blocked"
	// ChunkUnbooked: the venue executed the swap but recording it failed.
	ChunkUnbooked ChunkStatus = "unbooked"
)

// ChunkOutcome describes what happened to one chunk.
type ChunkOutcome struct {
	Index     int
	Ref       string
	Status    ChunkStatus
	AmountIn  *big.Int
	AmountOut *big.Int
	MinOut    *big.Int
	Price     *big.Int
	Err       error
}

// Result is the committed order plus per-chunk outcomes of this run.
type Result struct {
	Order    *state.Order
	Trades   []state.Trade
	Outcomes []ChunkOutcome
	// Replayed is set when an existing order was returned for a client_ref.
	Replayed bool
}

// Filled returns the outcomes that applied a fill in this run.
func (r *Result) Filled() []ChunkOutcome {
	var out []ChunkOutcome
	for _, o := range r.Outcomes {
		if o.Status == ChunkFilled {
			out = append(out, o)
		}
	}
	return out
}

// FirstError returns the first chunk failure of this run, if any.
func (r *Result) FirstError() error {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

type Deps struct {
	Store   persistence.Store
	Ledger  *ledger.SettlementLedger
	Codec   *fpmath.Codec
	Swap    capability.SwapProvider
	Guard   *oracle.Guard
	Idem    *core.IdempotencyStore
	Locker  OrderLocker
	Sink    event.Sink
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Engine executes orders chunk by chunk. Chunks of one order run
// sequentially under the order lock; different orders run concurrently.
type Engine struct {
	store   persistence.Store
	ledger  *ledger.SettlementLedger
	codec   *fpmath.Codec
	swap    capability.SwapProvider
	guard   *oracle.Guard
	idem    *core.IdempotencyStore
	locker  OrderLocker
	sink    event.Sink
	metrics *observability.Metrics
	logger  zerolog.Logger
	cfg     Config
}

func NewEngine(d Deps, cfg Config) *Engine {
	e := &Engine{
		store:   d.Store,
		ledger:  d.Ledger,
		codec:   d.Codec,
		swap:    d.Swap,
		guard:   d.Guard,
		idem:    d.Idem,
		locker:  d.Locker,
		sink:    d.Sink,
		metrics: d.Metrics,
		logger:  d.Logger,
		cfg:     cfg,
	}
	if e.ledger == nil {
		e.ledger = ledger.NewSettlementLedger()
	}
	if e.idem == nil {
		e.idem = core.NewIdempotencyStore(10_000, d.Metrics)
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker()
	}
	if e.sink == nil {
		e.sink = event.Discard{}
	}
	return e
}

// executedChunk is the venue side of a chunk, before anything is recorded.
type executedChunk struct {
	index     int
	ref       string
	amountIn  *big.Int
	amountOut *big.Int
	minOut    *big.Int
	price     *big.Int
	route     string
	result    capability.SwapResult
}

// ExecuteAtomic inserts the order and executes every chunk in a single
// transaction. Any chunk failure rolls back the whole order: no order row,
// no trades, no balance change.
func (e *Engine) ExecuteAtomic(ctx context.Context, o *state.Order) (*Result, error) {
	unlock, err := e.locker.Lock(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", o.ID, err)
	}
	defer unlock()

	log := e.logger.With().Str("order_id", o.ID.String()).Str("user_id", o.UserID.String()).Str("path", pathAtomic).Logger()
	chunks := autobuy.SplitEven(o.RequestedAmount, o.ChunkCount)

	var (
		committed *state.Order
		trades    []state.Trade
		outcomes  []ChunkOutcome
	)
	err = e.store.InTx(ctx, func(tx persistence.Tx) error {
		working := o.Clone()
		trades, outcomes = nil, nil

		if err := tx.InsertOrder(ctx, working); err != nil {
			return err
		}
		balance, err := tx.LockWallet(ctx, ledger.NewWalletKey(working.UserID, working.InputAsset()))
		if err != nil {
			return fmt.Errorf("lock input wallet: %w", err)
		}
		if balance.Cmp(working.RequestedAmount) < 0 {
			return errs.E(errs.KindInsufficientBalance, "%s: have=%s need=%s",
				ledger.NewWalletKey(working.UserID, working.InputAsset()).AccountPath(), balance, working.RequestedAmount)
		}

		for i, amountIn := range chunks {
			start := time.Now()
			ch, err := e.runExternal(ctx, working, i, amountIn, nil)
			if err != nil {
				e.metrics.RecordChunk(pathAtomic, string(statusFor(err)), time.Since(start))
				if errors.Is(err, errs.ErrOracleBlock) {
					e.metrics.RecordOracleBlock(capability.NewPair(working.Symbol, working.QuoteSymbol).String())
				}
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			trade, applied, err := e.recordFill(ctx, tx, working, ch)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			status := ChunkFilled
			if !applied {
				status = ChunkDuplicate
			} else {
				trades = append(trades, *trade)
			}
			e.metrics.RecordChunk(pathAtomic, string(status), time.Since(start))
			outcomes = append(outcomes, ch.outcome(status, nil))
		}
		committed = working
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("code", errs.Code(err)).Msg("order rolled back")
		return nil, err
	}

	e.metrics.RecordOrder(string(committed.Source), string(committed.Side))
	for _, oc := range outcomes {
		if oc.Status == ChunkFilled {
			e.afterFill(committed, oc)
		}
	}
	log.Info().Str("status", string(committed.Status)).Int("chunks", len(outcomes)).Msg("order executed")
	return &Result{Order: committed, Trades: trades, Outcomes: outcomes}, nil
}

// ExecuteIsolated runs the chunks of a persisted order, each recorded in
// its own short transaction. External calls never run inside a
// transaction. A failed chunk is written as an audit event and the loop
// continues with the next chunk. Chunks that already have a trade are
// skipped, so re-running an order is safe.
//
// The order lock is held per chunk, so a cancel lands between chunks and
// never while a swap is in flight.
func (e *Engine) ExecuteIsolated(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	log := e.logger.With().Str("order_id", o.ID.String()).Str("user_id", o.UserID.String()).Str("path", pathIsolated).Logger()

	res := &Result{Order: o}
	for i, amountIn := range autobuy.SplitEven(o.RequestedAmount, o.ChunkCount) {
		step, err := e.isolatedChunk(ctx, log, orderID, i, amountIn)
		if err != nil {
			return res, err
		}
		res.Order = step.order
		if step.outcome == nil {
			log.Info().Str("status", string(step.order.Status)).Int("chunk", i).Msg("order terminal, stopping")
			break
		}
		res.Outcomes = append(res.Outcomes, *step.outcome)
		if step.trade != nil {
			res.Trades = append(res.Trades, *step.trade)
		}
	}

	log.Info().Str("status", string(res.Order.Status)).Int("filled", len(res.Filled())).Int("chunks", len(res.Outcomes)).Msg("order run finished")
	return res, nil
}

// isolatedStep is one chunk of an isolated run. A nil outcome means the
// order was terminal and the chunk did not run.
type isolatedStep struct {
	order   *state.Order
	outcome *ChunkOutcome
	trade   *state.Trade
}

func (e *Engine) isolatedChunk(ctx context.Context, log zerolog.Logger, orderID uuid.UUID, index int, amountIn *big.Int) (isolatedStep, error) {
	unlock, err := e.locker.Lock(ctx, orderID)
	if err != nil {
		return isolatedStep{}, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return isolatedStep{}, err
	}
	ref := current.ChunkRef(index)
	booked, err := e.chunkBooked(ctx, orderID, ref)
	if err != nil {
		return isolatedStep{}, err
	}
	if booked {
		return isolatedStep{order: current, outcome: &ChunkOutcome{Index: index, Ref: ref, Status: ChunkDuplicate, AmountIn: amountIn}}, nil
	}
	if current.IsTerminal() {
		return isolatedStep{order: current}, nil
	}

	start := time.Now()
	ch, err := e.runExternal(ctx, current, index, amountIn, e.checkInputBalance)
	if err != nil {
		oc := e.chunkFailed(ctx, log, current, index, amountIn, err, start)
		return isolatedStep{order: current, outcome: &oc}, nil
	}

	var (
		committed *state.Order
		trade     *state.Trade
		applied   bool
	)
	err = e.store.InTx(ctx, func(tx persistence.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		trade, applied, err = e.recordFill(ctx, tx, locked, ch)
		committed = locked
		return err
	})
	if err != nil {
		oc := e.chunkUnbooked(ctx, log, current, ch, err, start)
		return isolatedStep{order: current, outcome: &oc}, nil
	}

	if !applied {
		e.metrics.RecordChunk(pathIsolated, string(ChunkDuplicate), time.Since(start))
		oc := ch.outcome(ChunkDuplicate, nil)
		return isolatedStep{order: committed, outcome: &oc}, nil
	}
	e.metrics.RecordChunk(pathIsolated, string(ChunkFilled), time.Since(start))
	oc := ch.outcome(ChunkFilled, nil)
	e.afterFill(committed, oc)
	return isolatedStep{order: committed, outcome: &oc, trade: trade}, nil
}

func (e *Engine) chunkBooked(ctx context.Context, orderID uuid.UUID, ref string) (bool, error) {
	trades, err := e.store.ListTrades(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("list trades: %w", err)
	}
	for _, t := range trades {
		if t.ChunkRef == ref {
			return true, nil
		}
	}
	return false, nil
}

// checkInputBalance reads the input wallet outside any transaction. It
// runs right before the swap so a drained wallet fails the chunk before
// the venue executes anything.
func (e *Engine) checkInputBalance(ctx context.Context, o *state.Order, amountIn *big.Int) error {
	wallets, err := e.store.ListWallets(ctx, o.UserID)
	if err != nil {
		return fmt.Errorf("read input wallet: %w", err)
	}
	key := ledger.NewWalletKey(o.UserID, o.InputAsset())
	have := new(big.Int)
	for _, w := range wallets {
		if w.Key == key {
			have = w.Balance
			break
		}
	}
	if have.Cmp(amountIn) < 0 {
		return errs.E(errs.KindInsufficientBalance, "%s: have=%s need=%s", key.AccountPath(), have, amountIn)
	}
	return nil
}

// preSwapCheck runs after the quote is accepted and before the swap.
type preSwapCheck func(ctx context.Context, o *state.Order, amountIn *big.Int) error

// runExternal quotes, checks the oracle, bounds slippage and swaps one
// chunk. It writes nothing; check may read.
func (e *Engine) runExternal(ctx context.Context, o *state.Order, index int, amountIn *big.Int, check preSwapCheck) (*executedChunk, error) {
	if e.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		defer cancel()
	}
	in, out := o.InputAsset(), o.OutputAsset()

	quote, err := e.swap.Quote(ctx, in, out, amountIn)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", o.Pair(), err)
	}
	if quote.AmountOut == nil || quote.AmountOut.Sign() <= 0 {
		return nil, errs.E(errs.KindUnavailable, "quote %s: no output for %s", o.Pair(), amountIn)
	}

	quotedPrice, err := e.price(o, amountIn, quote.AmountOut)
	if err != nil {
		return nil, err
	}
	if err := e.guard.Check(ctx, quotedPrice, capability.NewPair(o.Symbol, o.QuoteSymbol), e.cfg.MaxSpreadBps); err != nil {
		return nil, err
	}

	local := fpmath.BoundsForExactIn(quote.AmountOut, e.cfg.SlippageBps)
	minOut, _ := fpmath.TighterMinOut(local, quote.MinOut)

	if check != nil {
		if err := check(ctx, o, amountIn); err != nil {
			return nil, err
		}
	}
	result, err := e.swap.Swap(ctx, quote.Route, amountIn, minOut)
	if err != nil {
		return nil, fmt.Errorf("swap %s route %s: %w", o.Pair(), quote.Route, err)
	}
	if result.AmountOut == nil {
		return nil, errs.E(errs.KindUnavailable, "swap %s: venue reported no output amount", quote.Route)
	}
	if result.AmountOut.Cmp(minOut) < 0 {
		return nil, errs.E(errs.KindValidation, "swap %s: executed %s below bound %s", quote.Route, result.AmountOut, minOut)
	}

	price, err := e.price(o, amountIn, result.AmountOut)
	if err != nil {
		return nil, err
	}
	return &executedChunk{
		index:     index,
		ref:       o.ChunkRef(index),
		amountIn:  new(big.Int).Set(amountIn),
		amountOut: new(big.Int).Set(result.AmountOut),
		minOut:    minOut,
		price:     price,
		route:     quote.Route,
		result:    result,
	}, nil
}

// price is quote per base regardless of side.
func (e *Engine) price(o *state.Order, amountIn, amountOut *big.Int) (*big.Int, error) {
	in := fpmath.NewAmount(o.InputAsset(), amountIn)
	out := fpmath.NewAmount(o.OutputAsset(), amountOut)
	if o.Side == state.SideSell {
		return e.codec.ExecutionPrice(in, out)
	}
	return e.codec.ExecutionPrice(out, in)
}

// recordFill writes the trade, the ledger legs and the order update. A
// chunk ref seen before returns applied=false and mutates nothing.
func (e *Engine) recordFill(ctx context.Context, tx persistence.Tx, o *state.Order, ch *executedChunk) (*state.Trade, bool, error) {
	first, err := e.idem.Record(ctx, tx, state.ProviderEvent{
		Provider:   state.ProviderInternal,
		EventType:  state.EventChunkFilled,
		ExternalID: ch.ref,
		Detail:     ch.result.TxHash,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if !first {
		return nil, false, nil
	}

	fee := ch.result.FeeNative
	if fee == nil {
		fee = new(big.Int)
	}
	trade := &state.Trade{
		ID:          uuid.New(),
		OrderID:     o.ID,
		ChunkIndex:  ch.index,
		ChunkRef:    ch.ref,
		ProviderRef: ch.result.TxHash,
		Route:       ch.route,
		AmountIn:    ch.amountIn,
		AmountOut:   ch.amountOut,
		MinOut:      ch.minOut,
		Fee:         fee,
		FeeAsset:    ch.result.FeeAsset,
		Price:       ch.price,
		CreatedAt:   time.Now().UTC(),
	}
	inserted, err := tx.InsertTrade(ctx, trade)
	if err != nil {
		return nil, false, fmt.Errorf("insert trade: %w", err)
	}
	if !inserted {
		return nil, false, nil
	}

	debit, credit := ledger.SwapLegs(o.UserID, ch.ref, o.InputAsset(), ch.amountIn, o.OutputAsset(), ch.amountOut)
	if _, err := e.ledger.DebitLocked(ctx, tx, debit); err != nil {
		return nil, false, err
	}
	if _, err := e.ledger.CreditLocked(ctx, tx, credit); err != nil {
		return nil, false, err
	}
	if err := o.ApplyFill(state.Fill{AmountIn: ch.amountIn, AmountOut: ch.amountOut, Price: ch.price}); err != nil {
		return nil, false, err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, false, fmt.Errorf("update order: %w", err)
	}
	return trade, true, nil
}

// chunkFailed records the audit event for an isolated chunk that did not
// execute at the venue.
func (e *Engine) chunkFailed(ctx context.Context, log zerolog.Logger, o *state.Order, index int, amountIn *big.Int, cause error, start time.Time) ChunkOutcome {
	status := statusFor(cause)
	e.metrics.RecordChunk(pathIsolated, string(status), time.Since(start))

	eventType, outType := state.EventChunkFailed, event.EventChunkFailed
	if status == ChunkOracleBlocked {
		eventType, outType = state.EventChunkOracleBlock, event.EventChunkOracleBlocked
		e.metrics.RecordOracleBlock(capability.NewPair(o.Symbol, o.QuoteSymbol).String())
	}
	ref := o.ChunkRef(index)
	e.auditChunk(ctx, log, o, ref, eventType, outType, amountIn, cause.Error())
	log.Warn().Err(cause).Str("chunk_ref", ref).Str("code", errs.Code(cause)).Str("outcome", string(status)).Msg("chunk not filled")
	return ChunkOutcome{Index: index, Ref: ref, Status: status, AmountIn: amountIn, Err: cause}
}

// chunkUnbooked records a chunk the venue executed but the ledger could
// not record. It needs manual reconciliation against the venue reference.
func (e *Engine) chunkUnbooked(ctx context.Context, log zerolog.Logger, o *state.Order, ch *executedChunk, cause error, start time.Time) ChunkOutcome {
	e.metrics.RecordChunk(pathIsolated, string(ChunkUnbooked), time.Since(start))
	detail := fmt.Sprintf("venue_ref=%s route=%s amount_out=%s: %s", ch.result.TxHash, ch.route, ch.amountOut, cause)
	e.auditChunk(ctx, log, o, ch.ref, state.EventChunkUnbooked, event.EventChunkUnbooked, ch.amountIn, detail)
	log.Error().Err(cause).
		Str("chunk_ref", ch.ref).
		Str("venue_ref", ch.result.TxHash).
		Str("amount_out", ch.amountOut.String()).
		Msg("chunk executed at venue but not booked")
	return ch.outcome(ChunkUnbooked, cause)
}

func (e *Engine) auditChunk(ctx context.Context, log zerolog.Logger, o *state.Order, ref, eventType string, outType event.EventType, amountIn *big.Int, detail string) {
	ev := state.ProviderEvent{
		Provider:   state.ProviderInternal,
		EventType:  eventType,
		ExternalID: ref,
		Detail:     detail,
		ReceivedAt: time.Now().UTC(),
	}
	if err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		_, err := tx.InsertProviderEvent(ctx, ev)
		return err
	}); err != nil {
		log.Error().Err(err).Str("chunk_ref", ref).Str("event_type", eventType).Msg("failed to record chunk audit event")
	}

	orderID := o.ID
	e.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(outType) + ":" + ref,
		Type:           outType,
		UserID:         o.UserID,
		OrderID:        &orderID,
		ChunkRef:       ref,
		Asset:          o.InputAsset(),
		Amount:         amountIn.String(),
		Detail:         detail,
		Timestamp:      time.Now().UTC(),
	})
}

// afterFill runs once the fill is committed.
func (e *Engine) afterFill(o *state.Order, oc ChunkOutcome) {
	e.idem.MarkProcessed(state.ProviderInternal, state.EventChunkFilled, oc.Ref)
	e.metrics.RecordPosting(string(ledger.ReasonSwapDebit))
	e.metrics.RecordPosting(string(ledger.ReasonSwapCredit))
	e.logger.Info().
		Str("order_id", o.ID.String()).
		Str("chunk_ref", oc.Ref).
		Str("amount_in", oc.AmountIn.String()).
		Str("amount_out", oc.AmountOut.String()).
		Str("price", fpmath.FormatPrice(oc.Price)).
		Msg("chunk filled")
	orderID := o.ID
	e.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(event.EventChunkFilled) + ":" + oc.Ref,
		Type:           event.EventChunkFilled,
		UserID:         o.UserID,
		OrderID:        &orderID,
		ChunkRef:       oc.Ref,
		Asset:          o.OutputAsset(),
		Amount:         oc.AmountOut.String(),
		Timestamp:      time.Now().UTC(),
	})
}

func (c *executedChunk) outcome(status ChunkStatus, err error) ChunkOutcome {
	return ChunkOutcome{
		Index:     c.index,
		Ref:       c.ref,
		Status:    status,
		AmountIn:  c.amountIn,
		AmountOut: c.amountOut,
		MinOut:    c.minOut,
		Price:     c.price,
		Err:       err,
	}
}

func statusFor(err error) ChunkStatus {
	if errors.Is(err, errs.ErrOracleBlock) {
		return ChunkOracleBlocked
	}
	return ChunkFailed
}
