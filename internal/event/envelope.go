package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for outbound settlement events
type EventType string

const (
	EventDepositCredited    EventType = "deposit.credited"
	EventDepositMismatch    EventType = "deposit.amount_mismatch"
	EventChunkFilled        EventType = "chunk.filled"
	EventChunkFailed        EventType = "chunk.failed"
	EventChunkOracleBlocked EventType = "chunk.oracle_blocked"
	EventChunkUnbooked      EventType = "chunk.unbooked"
	EventOrderCancelled     EventType = "order.cancelled"
	EventVaultDeposited     EventType = "vault.deposited"
	EventVaultFailed        EventType = "vault.failed"
	EventVaultWithdrawn     EventType = "vault.withdrawn"
)

// SubjectPrefix is the NATS subject root for outbound events.
const SubjectPrefix = "settle.events"

// SettlementEvent is published after the state change it describes has
// been committed. Amounts are minor-unit integer strings.
type SettlementEvent struct {
	// Stable key for downstream dedup
	IdempotencyKey string `json:"idempotency_key"`

	Type      EventType  `json:"event_type"`
	UserID    uuid.UUID  `json:"user_id"`
	OrderID   *uuid.UUID `json:"order_id,omitempty"`
	TxID      string     `json:"txid,omitempty"`
	ChunkRef  string     `json:"chunk_ref,omitempty"`
	Asset     string     `json:"asset,omitempty"`
	Amount    string     `json:"amount,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Subject is settle.events.{event_type}.
func (e SettlementEvent) Subject() string {
	return SubjectPrefix + "." + string(e.Type)
}

// Sink accepts outbound events. Publish must not block the caller.
type Sink interface {
	Publish(ev SettlementEvent)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(SettlementEvent) {}

// Recorder is a Sink that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []SettlementEvent
}

func (r *Recorder) Publish(ev SettlementEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []SettlementEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SettlementEvent(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t EventType) []SettlementEvent {
	var out []SettlementEvent
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
