// Package settlement turns confirmed provider payments into wallet credits
// and drives the auto-buy that follows.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"SettleLedger/internal/autobuy"
	"SettleLedger/internal/capability"
	"SettleLedger/internal/core"
	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/execution"
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"
	"SettleLedger/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusCredited  Status = "credited"
	StatusDuplicate Status = "duplicate"
	StatusMismatch  Status = "amount_mismatch"
	StatusIgnored   Status = "ignored"
)

// Outcome is what Handle did with one inbound event.
type Outcome struct {
	Status  Status
	TxID    string
	Deposit *state.Deposit
	// AutoBuy is set when execution was scheduled for the credit.
	AutoBuy bool
}

type Deps struct {
	Store    persistence.Store
	Ledger   *ledger.SettlementLedger
	Codec    *fpmath.Codec
	Idem     *core.IdempotencyStore
	Planner  *autobuy.Planner
	Engine   *execution.Engine
	Vault    *vault.Settlement
	Payments capability.PaymentProvider
	Sink     event.Sink
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// Pipeline credits deposits exactly once. Credit and deposit status change
// commit together; auto-buy runs after the commit, outside any transaction.
type Pipeline struct {
	store    persistence.Store
	ledger   *ledger.SettlementLedger
	codec    *fpmath.Codec
	idem     *core.IdempotencyStore
	planner  *autobuy.Planner
	engine   *execution.Engine
	vault    *vault.Settlement
	payments capability.PaymentProvider
	sink     event.Sink
	metrics  *observability.Metrics
	logger   zerolog.Logger

	quote string
	async bool
	wg    sync.WaitGroup
}

type Option func(*Pipeline)

// WithSyncAutoBuy runs auto-buy inside Handle instead of a goroutine.
func WithSyncAutoBuy() Option {
	return func(p *Pipeline) { p.async = false }
}

func NewPipeline(d Deps, quoteAsset string, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    d.Store,
		ledger:   d.Ledger,
		codec:    d.Codec,
		idem:     d.Idem,
		planner:  d.Planner,
		engine:   d.Engine,
		vault:    d.Vault,
		payments: d.Payments,
		sink:     d.Sink,
		metrics:  d.Metrics,
		logger:   d.Logger,
		quote:    strings.ToUpper(quoteAsset),
		async:    true,
	}
	if p.ledger == nil {
		p.ledger = ledger.NewSettlementLedger()
	}
	if p.idem == nil {
		p.idem = core.NewIdempotencyStore(10_000, d.Metrics)
	}
	if p.sink == nil {
		p.sink = event.Discard{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one normalized provider event.
func (p *Pipeline) Handle(ctx context.Context, in event.Inbound) (*Outcome, error) {
	switch ev := in.(type) {
	case *event.PaymentIgnored:
		p.metrics.RecordWebhook(ev.Provider, string(StatusIgnored))
		p.logger.Debug().Str("provider", ev.Provider).Str("type", ev.Type).Str("txid", ev.TxID).Msg("event ignored")
		return &Outcome{Status: StatusIgnored, TxID: ev.TxID}, nil
	case *event.PaymentConfirmed:
		return p.handleConfirmed(ctx, ev)
	default:
		return nil, errs.E(errs.KindValidation, "unsupported event %T", in)
	}
}

func (p *Pipeline) handleConfirmed(ctx context.Context, ev *event.PaymentConfirmed) (*Outcome, error) {
	if ev.TxID == "" {
		return nil, errs.E(errs.KindValidation, "payment event without txid")
	}
	if ev.AmountCents == nil || ev.AmountCents.Sign() <= 0 {
		return nil, errs.E(errs.KindValidation, "txid %s: amount must be positive", ev.TxID)
	}
	log := p.logger.With().Str("provider", ev.Provider).Str("txid", ev.TxID).Logger()

	hash := ev.PayloadHash
	if hash == "" {
		hash = core.FieldsHash(ev.Provider, ev.TxID, ev.AmountCents.String())
	}
	out := &Outcome{TxID: ev.TxID}
	err := p.store.InTx(ctx, func(tx persistence.Tx) error {
		first, err := p.idem.Record(ctx, tx, state.ProviderEvent{
			Provider:    ev.Provider,
			EventType:   event.PaymentTypeConfirmed,
			ExternalID:  ev.TxID,
			PayloadHash: hash,
			ReceivedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !first {
			out.Status = StatusDuplicate
			return nil
		}

		d, err := p.upsertDeposit(ctx, tx, ev)
		if err != nil {
			return err
		}
		out.Deposit = d
		switch d.Status {
		case state.DepositCredited:
			out.Status = StatusDuplicate
			return nil
		case state.DepositAmountMismatch:
			out.Status = StatusMismatch
			return nil
		}

		if d.Amount.Cmp(ev.AmountCents) != 0 {
			log.Warn().Str("expected", d.Amount.String()).Str("received", ev.AmountCents.String()).Msg("deposit amount mismatch")
			if err := d.Advance(state.DepositAmountMismatch); err != nil {
				return err
			}
			out.Status = StatusMismatch
			return tx.UpdateDepositStatus(ctx, d)
		}
		if d.Status == state.DepositStarted {
			if err := d.Advance(state.DepositConfirmed); err != nil {
				return err
			}
		}

		if _, err := p.ledger.CreditLocked(ctx, tx, ledger.Posting{
			Wallet:       ledger.NewWalletKey(d.UserID, d.Asset),
			Amount:       d.Amount,
			Counterparty: ledger.BoundaryPaymentProvider.Path(d.Asset),
			Reason:       ledger.ReasonDepositCredit,
			Reference:    d.TxID,
		}); err != nil {
			return err
		}
		if err := d.Advance(state.DepositCredited); err != nil {
			return err
		}
		out.Status = StatusCredited
		return tx.UpdateDepositStatus(ctx, d)
	})
	if err != nil {
		p.metrics.RecordWebhook(ev.Provider, "error")
		log.Error().Err(err).Str("code", errs.Code(err)).Msg("payment not settled")
		return nil, err
	}
	p.idem.MarkProcessed(ev.Provider, event.PaymentTypeConfirmed, ev.TxID)
	p.metrics.RecordWebhook(ev.Provider, string(out.Status))

	switch out.Status {
	case StatusDuplicate:
		log.Info().Msg("duplicate payment event")
	case StatusMismatch:
		p.publish(event.EventDepositMismatch, out.Deposit, ev.AmountCents)
	case StatusCredited:
		p.metrics.RecordPosting(string(ledger.ReasonDepositCredit))
		log.Info().Str("user_id", out.Deposit.UserID.String()).Str("amount", p.codec.FromUnits(fpmath.NewAmount(out.Deposit.Asset, out.Deposit.Amount))).Msg("deposit credited")
		p.publish(event.EventDepositCredited, out.Deposit, out.Deposit.Amount)
		out.AutoBuy = p.scheduleAutoBuy(ctx, out.Deposit)
	}
	return out, nil
}

// upsertDeposit returns the deposit for the event's txid, creating it from
// the event's routing hints when no charge was registered.
func (p *Pipeline) upsertDeposit(ctx context.Context, tx persistence.Tx, ev *event.PaymentConfirmed) (*state.Deposit, error) {
	d, err := tx.GetDepositForUpdate(ctx, ev.TxID)
	if err == nil {
		if ev.PSPRef != "" && d.PSPRef == "" {
			d.PSPRef = ev.PSPRef
		}
		return d, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	if ev.UserID == uuid.Nil {
		return nil, errs.E(errs.KindValidation, "txid %s: no registered deposit and no user_id in metadata", ev.TxID)
	}
	now := time.Now().UTC()
	d = &state.Deposit{
		TxID:      ev.TxID,
		Provider:  ev.Provider,
		UserID:    ev.UserID,
		Asset:     p.quote,
		Amount:    new(big.Int).Set(ev.AmountCents),
		Status:    state.DepositConfirmed,
		ProductID: ev.ProductID,
		PSPRef:    ev.PSPRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertDeposit(ctx, d); err != nil {
		return nil, fmt.Errorf("insert deposit: %w", err)
	}
	return d, nil
}

func (p *Pipeline) scheduleAutoBuy(ctx context.Context, d *state.Deposit) bool {
	if !p.autoBuyEligible(d) {
		return false
	}
	p.recordScheduled(ctx, d)
	// The webhook is already acknowledged; execution must not inherit the
	// request's cancellation.
	p.startAutoBuy(context.WithoutCancel(ctx), d)
	return true
}

func (p *Pipeline) autoBuyEligible(d *state.Deposit) bool {
	if d.ProductID == "" || p.planner == nil || p.engine == nil {
		return false
	}
	if _, ok := p.planner.Product(d.ProductID); !ok {
		p.logger.Warn().Str("txid", d.TxID).Str("product_id", d.ProductID).Msg("unknown product, skipping auto-buy")
		return false
	}
	return true
}

func (p *Pipeline) startAutoBuy(ctx context.Context, d *state.Deposit) {
	if !p.async {
		p.AutoBuy(ctx, d)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.AutoBuy(ctx, d)
	}()
}

// recordScheduled writes the autobuy_scheduled audit row for a deposit.
// A crash after this point leaves a credited deposit that ResumeAutoBuys
// picks up.
func (p *Pipeline) recordScheduled(ctx context.Context, d *state.Deposit) {
	ev := state.ProviderEvent{
		Provider:   state.ProviderInternal,
		EventType:  state.EventAutoBuyScheduled,
		ExternalID: d.TxID,
		Detail:     d.ProductID,
		ReceivedAt: time.Now().UTC(),
	}
	if err := p.store.InTx(ctx, func(tx persistence.Tx) error {
		_, err := tx.InsertProviderEvent(ctx, ev)
		return err
	}); err != nil {
		p.logger.Error().Err(err).Str("txid", d.TxID).Msg("failed to record auto-buy schedule")
	}
}

// ResumeAutoBuys re-runs auto-buy for credited deposits updated at or after
// since whose orders are missing or not yet terminal. It returns how many
// runs were started.
func (p *Pipeline) ResumeAutoBuys(ctx context.Context, since time.Time) (int, error) {
	if p.planner == nil || p.engine == nil {
		return 0, nil
	}
	deposits, err := p.store.ListCreditedDeposits(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list credited deposits: %w", err)
	}
	started := 0
	for i := range deposits {
		d := &deposits[i]
		if !p.autoBuyEligible(d) {
			continue
		}
		pending, err := p.autoBuyPending(ctx, d)
		if err != nil {
			return started, err
		}
		if !pending {
			continue
		}
		p.logger.Info().Str("txid", d.TxID).Str("product_id", d.ProductID).Msg("resuming auto-buy")
		p.recordScheduled(ctx, d)
		p.startAutoBuy(context.WithoutCancel(ctx), d)
		started++
	}
	return started, nil
}

// autoBuyPending reports whether any planned allocation of d has no order
// yet or an order that can still fill.
func (p *Pipeline) autoBuyPending(ctx context.Context, d *state.Deposit) (bool, error) {
	allocations, err := p.planner.Plan(d.ProductID, d.Amount)
	if err != nil {
		// The plan fails the same way on every run; nothing to resume.
		return false, nil
	}
	for _, alloc := range allocations {
		o, err := p.store.FindOrderByClientRef(ctx, d.UserID, autoBuyRef(d, alloc))
		if errors.Is(err, errs.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("find auto-buy order: %w", err)
		}
		if !o.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func autoBuyRef(d *state.Deposit, alloc autobuy.Allocation) string {
	return "autobuy:" + d.TxID + ":" + alloc.Symbol
}

// AutoBuy plans and executes the product purchase for a credited deposit.
// It is safe to re-run: orders are keyed by deposit and symbol, and filled
// chunks are skipped. ResumeAutoBuys re-runs it after a restart.
func (p *Pipeline) AutoBuy(ctx context.Context, d *state.Deposit) {
	log := p.logger.With().Str("txid", d.TxID).Str("user_id", d.UserID.String()).Str("product_id", d.ProductID).Logger()

	allocations, err := p.planner.Plan(d.ProductID, d.Amount)
	if err != nil {
		log.Error().Err(err).Msg("auto-buy plan failed")
		return
	}
	for _, alloc := range allocations {
		o, err := p.ensureOrder(ctx, d, alloc)
		if err != nil {
			log.Error().Err(err).Str("symbol", alloc.Symbol).Msg("auto-buy order not created")
			continue
		}
		res, err := p.engine.ExecuteIsolated(ctx, o.ID)
		if err != nil {
			log.Error().Err(err).Str("order_id", o.ID.String()).Msg("auto-buy execution failed")
			continue
		}
		if !p.vault.Eligible(o.OutputAsset()) {
			continue
		}
		for _, oc := range res.Filled() {
			if _, err := p.vault.Deposit(ctx, o.UserID, o.OutputAsset(), oc.AmountOut, oc.Ref); err != nil {
				log.Warn().Err(err).Str("chunk_ref", oc.Ref).Msg("vault deposit failed")
			}
		}
	}
}

func (p *Pipeline) ensureOrder(ctx context.Context, d *state.Deposit, alloc autobuy.Allocation) (*state.Order, error) {
	clientRef := autoBuyRef(d, alloc)
	if existing, err := p.store.FindOrderByClientRef(ctx, d.UserID, clientRef); err == nil {
		return existing, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	o, err := state.NewOrder(d.UserID, state.SideBuy, alloc.Symbol, d.Asset, alloc.Amount, len(alloc.Chunks), state.SourceAutoBuy)
	if err != nil {
		return nil, err
	}
	o.ClientRef = clientRef
	o.DepositTxID = d.TxID
	err = p.store.InTx(ctx, func(tx persistence.Tx) error {
		return tx.InsertOrder(ctx, o)
	})
	if errors.Is(err, errs.ErrConflict) {
		return p.store.FindOrderByClientRef(ctx, d.UserID, clientRef)
	}
	if err != nil {
		return nil, err
	}
	p.metrics.RecordOrder(string(o.Source), string(o.Side))
	return o, nil
}

// Wait blocks until scheduled auto-buy runs finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// DepositRequest registers an expected payment. Amount is a human string
// in the quote asset.
type DepositRequest struct {
	UserID    uuid.UUID
	Amount    string
	ProductID string
}

// CreateDeposit opens a charge with the payment provider and stores the
// deposit as started, so the later confirmation can be cross-checked.
func (p *Pipeline) CreateDeposit(ctx context.Context, req DepositRequest) (*state.Deposit, capability.Charge, error) {
	if p.payments == nil {
		return nil, capability.Charge{}, errs.E(errs.KindUnavailable, "no payment provider configured")
	}
	if req.UserID == uuid.Nil {
		return nil, capability.Charge{}, errs.E(errs.KindValidation, "user_id is required")
	}
	amount, err := p.codec.ToUnits(p.quote, req.Amount, fpmath.RoundTruncate)
	if err != nil {
		return nil, capability.Charge{}, err
	}
	if amount.Sign() <= 0 {
		return nil, capability.Charge{}, errs.E(errs.KindValidation, "deposit amount must be positive")
	}
	if req.ProductID != "" {
		if p.planner == nil {
			return nil, capability.Charge{}, errs.E(errs.KindValidation, "unknown product %q", req.ProductID)
		}
		if _, ok := p.planner.Product(req.ProductID); !ok {
			return nil, capability.Charge{}, errs.E(errs.KindValidation, "unknown product %q", req.ProductID)
		}
		if _, err := p.planner.Plan(req.ProductID, amount.Units); err != nil {
			return nil, capability.Charge{}, err
		}
	}

	charge, err := p.payments.CreateCharge(ctx, capability.ChargeRequest{
		UserID:      req.UserID,
		AmountCents: amount.Units,
		Reference:   uuid.NewString(),
	})
	if err != nil {
		return nil, capability.Charge{}, fmt.Errorf("create charge: %w", err)
	}

	now := time.Now().UTC()
	d := &state.Deposit{
		TxID:      charge.TxID,
		Provider:  p.payments.Name(),
		UserID:    req.UserID,
		Asset:     p.quote,
		Amount:    amount.Units,
		Status:    state.DepositStarted,
		ProductID: req.ProductID,
		PSPRef:    charge.PSPRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.InTx(ctx, func(tx persistence.Tx) error {
		return tx.InsertDeposit(ctx, d)
	}); err != nil {
		return nil, capability.Charge{}, err
	}
	p.logger.Info().Str("txid", d.TxID).Str("user_id", d.UserID.String()).Str("amount", amount.Units.String()).Msg("deposit started")
	return d, charge, nil
}

func (p *Pipeline) publish(t event.EventType, d *state.Deposit, amount *big.Int) {
	p.sink.Publish(event.SettlementEvent{
		IdempotencyKey: string(t) + ":" + d.TxID,
		Type:           t,
		UserID:         d.UserID,
		TxID:           d.TxID,
		Asset:          d.Asset,
		Amount:         amount.String(),
		Timestamp:      time.Now().UTC(),
	})
}
