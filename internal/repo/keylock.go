// Package repo implements the data persistence layer for payment
// transactions, backed by GORM. This file provides per-order mutual
// exclusion so that the read-modify-write cycles of the reconciler serialize
// per order_id while events for different orders proceed fully in parallel.
//
// Keeping the lock here, at the store boundary, means the services layer
// stays free of locking detail: it asks the store to run a critical section
// for a key and never touches a mutex directly.
package repo

import (
	"sync"
	"time"
)

// lockEntry holds one key's mutex plus bookkeeping used to evict entries
// that are idle and uncontended.
type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastSeen time.Time
}

// KeyedLock provides mutual exclusion scoped to a string key. Entries are
// created on demand and evicted opportunistically once idle, so memory stays
// bounded even with a high-cardinality key space (one key per order_id).
//
// This type is safe for concurrent use. The zero value is not usable; call
// NewKeyedLock.
type KeyedLock struct {
	mu       sync.Mutex
	entries  map[string]*lockEntry
	ttl      time.Duration
	cleanupN uint64
}

// NewKeyedLock constructs a KeyedLock with a 10 minute idle TTL.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		entries: make(map[string]*lockEntry),
		ttl:     10 * time.Minute,
	}
}

// acquire returns the entry for key, creating it if absent, and bumps its
// refcount so a concurrent cleanup cannot evict a lock someone is waiting on.
// Cleanup runs before the lookup so a stale entry for the requested key can
// still be evicted and replaced.
func (kl *KeyedLock) acquire(key string) *lockEntry {
	now := time.Now()

	kl.mu.Lock()
	kl.cleanupN++
	if kl.cleanupN >= 5000 {
		for k, e := range kl.entries {
			if e.refs == 0 && now.Sub(e.lastSeen) >= kl.ttl {
				delete(kl.entries, k)
			}
		}
		kl.cleanupN = 0
	}

	e, ok := kl.entries[key]
	if !ok {
		e = &lockEntry{}
		kl.entries[key] = e
	}
	e.refs++
	e.lastSeen = now
	kl.mu.Unlock()
	return e
}

// release drops one reference to key's entry.
func (kl *KeyedLock) release(key string, e *lockEntry) {
	kl.mu.Lock()
	e.refs--
	e.lastSeen = time.Now()
	kl.mu.Unlock()
}

// Do runs fn while holding the mutex for key. Calls with the same key
// serialize; calls with different keys do not block each other. The error
// returned is whatever fn returns.
func (kl *KeyedLock) Do(key string, fn func() error) error {
	e := kl.acquire(key)
	e.mu.Lock()
	err := fn()
	e.mu.Unlock()
	kl.release(key, e)
	return err
}
