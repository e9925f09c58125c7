// Package cache implements the catalog document cache: a shared Redis tier
// for listing responses and an in-process LRU for resolved grid descriptors.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Interface interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// Memory is a process-local Interface used in tests and as the fallback when
// no Redis address is configured. Expiry is checked lazily on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	val     []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) MGet(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		e, ok := m.entries[k]
		if !ok || (!e.expires.IsZero() && now.After(e.expires)) {
			continue
		}
		out[k] = e.val
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{val: val}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Keys lists the live keys, sorted. Test helper.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
