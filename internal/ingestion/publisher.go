package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"SettleLedger/internal/event"
	"SettleLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds settle.events.> for downstream consumers.
const OutboundStream = "SETTLE_EVENTS"

// jsPublisher is the slice of jetstream.JetStream the publisher uses.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed settlement events to NATS.
// Subjects follow settle.events.{event_type}. It implements event.Sink:
// Publish only enqueues, Run does the network I/O.
type OutboundPublisher struct {
	js      jsPublisher
	queue   chan event.SettlementEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutboundPublisher(js jsPublisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan event.SettlementEvent, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// Publish enqueues ev. A full queue drops the event; the provider_events
// table and the ledger journal remain the source of truth.
func (op *OutboundPublisher) Publish(ev event.SettlementEvent) {
	select {
	case op.queue <- ev:
	default:
		op.metrics.RecordPublishDrop()
		op.logger.Warn().Str("event_type", string(ev.Type)).Str("key", ev.IdempotencyKey).Msg("outbound queue full, event dropped")
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.queue:
			if err := op.publish(ctx, evt); err != nil {
				op.metrics.RecordPublishDrop()
				op.logger.Warn().Err(err).Str("event_type", string(evt.Type)).Str("key", evt.IdempotencyKey).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt event.SettlementEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The message id lets JetStream drop duplicates inside its window.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{event.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
