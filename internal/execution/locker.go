package execution

import (
	"context"
	"sync"
	"time"

	"SettleLedger/internal/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OrderLocker serializes execution per order. Different orders proceed
// concurrently.
type OrderLocker interface {
	Lock(ctx context.Context, orderID uuid.UUID) (unlock func(), err error)
}

// KeyedLocker is the in-process OrderLocker.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[uuid.UUID]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, orderID uuid.UUID) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[orderID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[orderID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(orderID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(orderID, e)
		})
	}, nil
}

func (l *KeyedLocker) release(orderID uuid.UUID, e *keyedEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, orderID)
	}
	l.mu.Unlock()
}

// unlockScript deletes the key only when it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisOrderLocker extends per-order serialization across instances with
// SET NX PX plus an owner token. The in-process locker still runs first so
// local callers queue without polling Redis.
type RedisOrderLocker struct {
	client *redis.Client
	local  *KeyedLocker
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisOrderLocker(client *redis.Client, ttl time.Duration) *RedisOrderLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisOrderLocker{client: client, local: NewKeyedLocker(), ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *RedisOrderLocker) Lock(ctx context.Context, orderID uuid.UUID) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}

	key := "lock:order:" + orderID.String()
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, errs.E(errs.KindUnavailable, "order lock %s: %w", orderID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release with a fresh context; the caller's may be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		unlockScript.Run(rctx, l.client, []string{key}, token)
		unlockLocal()
	}, nil
}
