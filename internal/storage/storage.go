// Package storage abstracts the read-only object stores that hold catalog
// documents and chunked array data. Catalog buckets are public; the engine
// only ever reads.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is a read-only key/value view of an object store.
type Store interface {
	// Get returns the full object body. A missing key yields *ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key is present without fetching the body.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under a prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound indicates a missing object.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("object %q not found", e.Key)
}

// Memory is an in-process Store used by tests and fixtures.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores an object. Not part of the Store interface: only fixtures
// write.
func (m *Memory) Put(key string, body []byte) {
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), body...)
	m.mu.Unlock()
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	body, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	return append([]byte(nil), body...), nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
