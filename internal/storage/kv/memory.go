package kv

import (
	"sync"
	"time"
)

// memoryEntry is one stored value. A zero expiry means the entry never
// expires.
type memoryEntry struct {
	value   any
	expires time.Time
}

func (e *memoryEntry) expired() bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

// MemoryBucket keeps values in a map behind a mutex. Contents are lost
// on restart; tests and short-lived scratch state use this.
type MemoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		entries: make(map[string]*memoryEntry),
	}
}

func (b *MemoryBucket) Name() string       { return b.name }
func (b *MemoryBucket) IsPersistent() bool { return false }

// Store saves a value, replacing any previous entry and its expiry.
func (b *MemoryBucket) Store(key string, value any, opts *StoreOptions) error {
	entry := &memoryEntry{value: value}
	if opts != nil && opts.TTL > 0 {
		entry.expires = time.Now().Add(opts.TTL)
	}

	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
	return nil
}

// Get returns the stored value as-is, or nil with no error when the key
// is missing or expired. Expired entries are deleted on the way out.
func (b *MemoryBucket) Get(key string) (any, error) {
	b.mu.RLock()
	entry, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if entry.expired() {
		b.drop(key)
		return nil, nil
	}
	return entry.value, nil
}

// Exists reports whether the key is present and not expired.
func (b *MemoryBucket) Exists(key string) (bool, error) {
	b.mu.RLock()
	entry, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if entry.expired() {
		b.drop(key)
		return false, nil
	}
	return true, nil
}

// Delete removes a key, reporting whether it was present.
func (b *MemoryBucket) Delete(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.entries[key]
	delete(b.entries, key)
	return ok, nil
}

// Keys lists the bucket's live keys, pruning expired ones as it goes.
func (b *MemoryBucket) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for key, entry := range b.entries {
		if entry.expired() {
			delete(b.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Clear drops every key in the bucket.
func (b *MemoryBucket) Clear() error {
	b.mu.Lock()
	b.entries = make(map[string]*memoryEntry)
	b.mu.Unlock()
	return nil
}

// CleanupExpired removes expired entries, returning how many went.
// Called periodically by the manager's sweep.
func (b *MemoryBucket) CleanupExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for key, entry := range b.entries {
		if entry.expired() {
			delete(b.entries, key)
			count++
		}
	}
	return count
}

func (b *MemoryBucket) drop(key string) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}
