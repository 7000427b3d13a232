package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Memory is an in-process Store used by unit tests and the standalone dev
// mode. It honors TTLs and mirrors the atomicity of the Redis primitives
// under a single mutex.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	nowFunc func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		nowFunc: time.Now,
	}
}

// SetNow injects a clock for expiry tests.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.nowFunc().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.nowFunc().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) DelIfEquals(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || string(e.value) != string(value) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	e, ok := m.live(key)
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, eris.Wrapf(err, "kv: counter %s is not numeric", key)
		}
		current = n
	}
	current += delta

	exp := e.expiresAt
	if !ok {
		exp = m.expiry(ttl)
	}
	m.entries[key] = memEntry{value: []byte(strconv.FormatInt(current, 10)), expiresAt: exp}
	return current, nil
}

func (m *Memory) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := m.Get(ctx, key)
	if err != nil || val == nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "kv: counter %s is not numeric", key)
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
