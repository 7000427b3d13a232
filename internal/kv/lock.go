package kv

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Lock is a token-based distributed lock over a Store key. A holder that
// crashes simply leaves the key to expire; the next acquirer resumes from
// whatever state was persisted.
type Lock struct {
	store Store
	key   string
	token string
	ttl   time.Duration
}

// NewLock creates a lock on the given key. Each Lock value carries its own
// token, so releasing only ever removes this holder's acquisition.
func NewLock(store Store, key string, ttl time.Duration) *Lock {
	return &Lock{
		store: store,
		key:   key,
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

// Acquire attempts to take the lock. Returns false without error when the
// lock is held by someone else; contention is an expected outcome, not a
// failure.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key, []byte(l.token), l.ttl)
	if err != nil {
		return false, eris.Wrapf(err, "kv: acquire lock %s", l.key)
	}
	return ok, nil
}

// Release frees the lock if this holder still owns it. Releasing an expired
// or reassigned lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.store.DelIfEquals(ctx, l.key, []byte(l.token))
	return eris.Wrapf(err, "kv: release lock %s", l.key)
}

// WaitForKey polls until the key holds a value, the wait window elapses, or
// ctx is canceled. Returns (nil, nil) when the window elapses without the
// key appearing.
func WaitForKey(ctx context.Context, store Store, key string, interval, window time.Duration) ([]byte, error) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		val, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if val != nil {
			return val, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
