package repository

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	reservationID string
	expiresAt     time.Time
}

// MemoryIdempotencyCache is the in-process fallback of the idempotency cache.
// Entries expire lazily on read and on Sweep.
type MemoryIdempotencyCache struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{now: time.Now}
}

func (r *MemoryIdempotencyCache) Get(ctx context.Context, key string) (string, error) {
	val, ok := r.entries.Load(key)
	if !ok {
		return "", nil
	}
	entry := val.(memoryEntry)
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		r.entries.CompareAndDelete(key, val)
		return "", nil
	}
	return entry.reservationID, nil
}

func (r *MemoryIdempotencyCache) Put(ctx context.Context, key, reservationID string, ttl time.Duration) error {
	entry := memoryEntry{reservationID: reservationID}
	if ttl > 0 {
		entry.expiresAt = r.now().Add(ttl)
	}
	r.entries.Store(key, entry)
	return nil
}

func (r *MemoryIdempotencyCache) Delete(ctx context.Context, key string) error {
	r.entries.Delete(key)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (r *MemoryIdempotencyCache) Sweep() int {
	now := r.now()
	removed := 0
	r.entries.Range(func(k, v interface{}) bool {
		entry := v.(memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			if r.entries.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	return removed
}
