package ingestion

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/testutil"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

type fakeJS struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	done     chan struct{}
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	f.mu.Unlock()
	f.done <- struct{}{}
	return &jetstream.PubAck{Stream: OutboundStream}, nil
}

func TestOutboundPublisherSubjects(t *testing.T) {
	js := &fakeJS{done: make(chan struct{}, 1)}
	op := NewOutboundPublisher(js, 4, nil, observability.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go op.Run(ctx)

	op.Publish(event.SettlementEvent{
		IdempotencyKey: "deposit.credited:tx-1",
		Type:           event.EventDepositCredited,
		UserID:         uuid.New(),
		TxID:           "tx-1",
		Asset:          "BRL",
		Amount:         "1000",
		Timestamp:      time.Now().UTC(),
	})

	select {
	case <-js.done:
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	if js.subjects[0] != "settle.events.deposit.credited" {
		t.Errorf("subject: got %s", js.subjects[0])
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(js.bodies[0], &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["amount"] != "1000" || decoded["txid"] != "tx-1" {
		t.Errorf("payload: got %v", decoded)
	}
}

func TestOutboundPublisherDropsWhenFull(t *testing.T) {
	op := NewOutboundPublisher(&fakeJS{done: make(chan struct{}, 8)}, 1, nil, observability.NopLogger())
	ev := event.SettlementEvent{Type: event.EventChunkFilled, IdempotencyKey: "k"}
	op.Publish(ev)
	op.Publish(ev) // queue full, must not block
	if len(op.queue) != 1 {
		t.Errorf("queue length: got %d, want 1", len(op.queue))
	}
}

func TestNATSRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	op := NewOutboundPublisher(js, 4, nil, observability.NopLogger())
	key := "chunk.filled:" + uuid.NewString()
	if err := op.publish(ctx, event.SettlementEvent{IdempotencyKey: key, Type: event.EventChunkFilled}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stream, err := js.Stream(ctx, OutboundStream)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs == 0 {
		t.Error("expected at least one message in the outbound stream")
	}
}
