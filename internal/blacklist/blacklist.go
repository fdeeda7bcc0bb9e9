// Package blacklist is the revocation store: a TTL-bounded existence set of
// invalidated token identifiers. Presence of a key means the token is dead
// regardless of its signature or expiry. Callers treat store errors as
// "revoked" — the blacklist fails closed.
package blacklist

import (
	"context"
	"sync"
	"time"
)

// Store is a fast key-existence set with native expiry.
type Store interface {
	Put(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Memory is an in-process Store used by tests and single-node setups.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// NewMemoryWithClock constructs an in-memory store with a custom time source.
func NewMemoryWithClock(fn func() time.Time) *Memory {
	m := NewMemory()
	if fn != nil {
		m.now = fn
	}
	return m
}

func (m *Memory) Put(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if m.now().After(deadline) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}
