// Package store keeps a size-bounded signaling log per room on top of a
// pluggable storage backend.
package store

import (
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned by a backend when a write does not fit the
// remaining capacity. The store reacts by evicting and retrying; callers
// of the store never see this error.
var ErrQuotaExceeded = errors.New("store: quota exceeded")

// Backend is the raw keyed storage a Store persists room logs into.
// Implementations report capacity pressure via ErrQuotaExceeded and are
// otherwise free to lose durability; the store mirrors everything in
// memory.
type Backend interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) ([]byte, bool, error)
	// Set stores the value, returning ErrQuotaExceeded when it does not fit.
	Set(key string, value []byte) error
	// Delete removes the key. Deleting a missing key is a no-op.
	Delete(key string) error
	// Keys lists all stored keys.
	Keys() ([]string, error)
}

// MemoryBackend is an in-process Backend with an optional byte quota,
// counting key plus value length the way browser local storage does.
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	items    map[string][]byte
}

// NewMemoryBackend creates a memory backend. A capacity of zero means
// unbounded.
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{
		capacity: capacity,
		items:    make(map[string][]byte),
	}
}

// Get returns the stored value for key.
func (b *MemoryBackend) Get(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	return v, ok, nil
}

// Set stores value under key, enforcing the byte quota.
func (b *MemoryBackend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity > 0 {
		used := 0
		for k, v := range b.items {
			if k == key {
				continue
			}
			used += len(k) + len(v)
		}
		if used+len(key)+len(value) > b.capacity {
			return ErrQuotaExceeded
		}
	}
	b.items[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
	return nil
}

// Keys lists stored keys in unspecified order.
func (b *MemoryBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	return keys, nil
}
