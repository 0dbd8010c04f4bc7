package core_test

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"testing"
)

type fakeRecorder struct {
	seen  map[string]bool
	calls int
	err   error
}

func (f *fakeRecorder) InsertProviderEvent(_ context.Context, ev state.ProviderEvent) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := ev.Provider + "|" + ev.ExternalID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type countingObserver map[string]int

func (c countingObserver) RecordDuplicate(_ string, tier string) { c[tier]++ }

func TestIdempotencyStore_FirstThenDuplicate(t *testing.T) {
	ctx := context.Background()
	obs := countingObserver{}
	store := core.NewIdempotencyStore(16, obs)
	rec := &fakeRecorder{}
	ev := state.ProviderEvent{Provider: "pix", EventType: "payment.confirmed", ExternalID: "tx-1", PayloadHash: "h"}

	first, err := store.Record(ctx, rec, ev)
	if err != nil || !first {
		t.Fatalf("first record: first=%v err=%v", first, err)
	}

	// Not marked processed yet: the durable tier answers.
	again, err := store.Record(ctx, rec, ev)
	if err != nil || again {
		t.Fatalf("second record: first=%v err=%v", again, err)
	}
	if obs["durable"] != 1 {
		t.Errorf("durable duplicates: %d", obs["durable"])
	}

	// Durable duplicate promoted the key; the LRU now answers.
	calls := rec.calls
	if dup, _ := store.Record(ctx, rec, ev); dup {
		t.Error("third record should be duplicate")
	}
	if rec.calls != calls {
		t.Error("LRU hit must not reach the durable tier")
	}
	if obs["lru"] != 1 {
		t.Errorf("lru duplicates: %d", obs["lru"])
	}
}

func TestIdempotencyStore_RolledBackAttemptRetries(t *testing.T) {
	ctx := context.Background()
	store := core.NewIdempotencyStore(16, nil)
	ev := state.ProviderEvent{Provider: "pix", EventType: "payment.confirmed", ExternalID: "tx-2"}

	// First attempt's transaction rolls back: recorder state is discarded.
	if first, _ := store.Record(ctx, &fakeRecorder{}, ev); !first {
		t.Fatal("expected first time")
	}
	if first, _ := store.Record(ctx, &fakeRecorder{}, ev); !first {
		t.Error("without MarkProcessed a fresh recorder must see the event as new")
	}
}

func TestIdempotencyStore_PropagatesStorageError(t *testing.T) {
	store := core.NewIdempotencyStore(4, nil)
	boom := errors.New("connection refused")
	_, err := store.Record(context.Background(), &fakeRecorder{err: boom}, state.ProviderEvent{Provider: "p", ExternalID: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped storage error, got %v", err)
	}
}

func TestIdempotencyLRU_Evicts(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")      // evicts b

	if !lru.Contains("a") || lru.Contains("b") || !lru.Contains("c") {
		t.Error("unexpected LRU contents after eviction")
	}
	if lru.Evictions() != 1 || lru.Size() != 2 {
		t.Errorf("evictions=%d size=%d", lru.Evictions(), lru.Size())
	}
}

func TestHashes(t *testing.T) {
	if core.PayloadHash([]byte("a")) == core.PayloadHash([]byte("b")) {
		t.Error("distinct payloads should hash differently")
	}
	if core.FieldsHash("ab", "c") == core.FieldsHash("a", "bc") {
		t.Error("field boundaries must affect the hash")
	}
	if len(core.PayloadHash(nil)) != 64 {
		t.Error("expected hex sha256")
	}
}
