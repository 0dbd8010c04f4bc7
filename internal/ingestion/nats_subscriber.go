package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"SettleLedger/internal/errs"
	"SettleLedger/internal/event"
	"SettleLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// InboundStream carries provider webhooks relayed over NATS on
	// settle.webhooks.{provider}.
	InboundStream   = "SETTLE_WEBHOOKS"
	InboundSubject  = "settle.webhooks"
	InboundConsumer = "settle-ledger-webhooks"
)

// HandleFunc settles one normalized event.
type HandleFunc func(ctx context.Context, ev event.Inbound) error

// NATSSubscriber consumes relayed provider webhooks and feeds them through
// the same parser and pipeline as the HTTP endpoint. Relayed messages are
// trusted; signatures are checked by the relay.
type NATSSubscriber struct {
	js       jetstream.JetStream
	parser   *Parser
	handle   HandleFunc
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

// RawEvent is one inbound message with its acknowledgement hooks.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or duplicate
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // malformed, never redeliver
}

func NewNATSSubscriber(js jetstream.JetStream, parser *Parser, handle HandleFunc, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		parser:  parser,
		handle:  handle,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe creates the durable consumer.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, InboundStream, jetstream.ConsumerConfig{
		Durable:       InboundConsumer,
		FilterSubject: InboundSubject + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", InboundConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.Dispatch(ctx, RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
			TermFunc:  func() { msg.Term() },
		})
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", InboundConsumer, err)
	}
	ns.consumer = cc
	ns.logger.Info().Str("subject", InboundSubject+".>").Str("consumer", InboundConsumer).Msg("subscribed")
	return nil
}

// Dispatch parses and settles one message, then acknowledges it.
func (ns *NATSSubscriber) Dispatch(ctx context.Context, raw RawEvent) {
	provider := providerFromSubject(raw.Subject)
	ev, err := ns.parser.Parse(provider, raw.Data)
	if err != nil {
		ns.metrics.RecordNATS(InboundSubject, "rejected")
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		raw.TermFunc()
		return
	}
	if err := ns.handle(ctx, ev); err != nil {
		if errors.Is(err, errs.ErrValidation) {
			ns.metrics.RecordNATS(InboundSubject, "rejected")
			ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping invalid event")
			raw.TermFunc()
			return
		}
		ns.metrics.RecordNATS(InboundSubject, "retry")
		ns.logger.Error().Err(err).Str("subject", raw.Subject).Msg("settlement failed, will redeliver")
		raw.NakFunc()
		return
	}
	ns.metrics.RecordNATS(InboundSubject, "ok")
	raw.AckFunc()
}

func providerFromSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// EnsureStreams creates the inbound stream if it does not exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      InboundStream,
		Subjects:  []string{InboundSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return EnsureOutboundStream(ctx, js)
}

// Stop gracefully stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("settle-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
