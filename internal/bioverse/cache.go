package bioverse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Namespaces partition the store. Neither contains "/", so "<ns>/<key>" keys
// from different namespaces can never collide.
const (
	NamespaceStructures = "structures"
	NamespaceMetadata   = "search-results"
)

// CacheEntry is the stored envelope around a cached value.
type CacheEntry[T any] struct {
	Data      T         `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Expiry    time.Time `json:"expiry"`
}

// expired reports whether the entry is logically absent at now. An entry read
// exactly at its expiry is still live.
func expired(expiry, now time.Time) bool {
	return now.After(expiry)
}

// Cache is a typed view of one namespace of a Store. Store failures and
// undecodable entries read as misses: the cache is an optimization, never the
// source of truth.
type Cache[T any] struct {
	store     Store
	namespace string
	ttl       time.Duration
	now       func() time.Time

	// One limiter per warning class.
	storeWarn   *rateLimitedLogger
	corruptWarn *rateLimitedLogger
	evictWarn   *rateLimitedLogger
}

func NewCache[T any](store Store, namespace string, ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		store:     store,
		namespace: namespace,
		ttl:       ttl,
		now:       time.Now,

		storeWarn:   newRateLimitedLogger(time.Minute),
		corruptWarn: newRateLimitedLogger(time.Minute),
		evictWarn:   newRateLimitedLogger(time.Minute),
	}
}

func (c *Cache[T]) key(k string) string { return c.namespace + "/" + k }

// Get returns the value for k if it has not expired. Expired and corrupt
// entries are deleted unless a newer value replaced them in the meantime.
func (c *Cache[T]) Get(ctx context.Context, k string) (T, bool) {
	var zero T
	b, ok, err := c.store.Get(ctx, c.key(k))
	if err != nil {
		c.storeWarn.Printf("cache: %s get %q: %v (treating as miss)", c.namespace, k, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var ent CacheEntry[T]
	if err := json.Unmarshal(b, &ent); err != nil {
		c.corruptWarn.Printf("cache: %s entry %q is corrupt, dropping: %v", c.namespace, k, err)
		c.evict(ctx, k, b)
		return zero, false
	}
	if expired(ent.Expiry, c.now()) {
		c.evict(ctx, k, b)
		return zero, false
	}
	return ent.Data, true
}

// evict removes k only if it still holds seen.
func (c *Cache[T]) evict(ctx context.Context, k string, seen []byte) {
	if _, err := c.store.DeleteIf(ctx, c.key(k), seen); err != nil {
		c.evictWarn.Printf("cache: %s evict %q: %v", c.namespace, k, err)
	}
}

// Put stores v under k, replacing any previous entry. A non-positive ttl uses
// the namespace default.
func (c *Cache[T]) Put(ctx context.Context, k string, v T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	return c.putEntry(ctx, k, CacheEntry[T]{Data: v, Timestamp: now, Expiry: now.Add(ttl)})
}

// PutUntil stores v with an explicit expiry, for values that carry their own
// lifetime.
func (c *Cache[T]) PutUntil(ctx context.Context, k string, v T, fetchedAt, expiry time.Time) error {
	return c.putEntry(ctx, k, CacheEntry[T]{Data: v, Timestamp: fetchedAt, Expiry: expiry})
}

func (c *Cache[T]) putEntry(ctx context.Context, k string, ent CacheEntry[T]) error {
	if !ent.Expiry.After(ent.Timestamp) {
		return fmt.Errorf("cache: %s %q: expiry %s not after timestamp %s", c.namespace, k, ent.Expiry, ent.Timestamp)
	}
	b, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("cache: encode %s %q: %w", c.namespace, k, err)
	}
	return c.store.Put(ctx, c.key(k), b)
}

func (c *Cache[T]) Delete(ctx context.Context, k string) error {
	return c.store.Delete(ctx, c.key(k))
}

// SweepExpired removes every entry of the namespace that expired before now,
// including corrupt ones. It returns how many entries were removed.
func (c *Cache[T]) SweepExpired(ctx context.Context) (int, error) {
	return sweepNamespace(ctx, c.store, c.namespace, c.now())
}

func sweepNamespace(ctx context.Context, store Store, namespace string, now time.Time) (int, error) {
	type staleEntry struct {
		key   string
		value []byte
	}
	var stale []staleEntry
	err := store.Scan(ctx, namespace+"/", func(key string, value []byte) bool {
		var ent struct {
			Expiry time.Time `json:"expiry"`
		}
		if err := json.Unmarshal(value, &ent); err != nil || ent.Expiry.Before(now) {
			stale = append(stale, staleEntry{key: key, value: value})
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", namespace, err)
	}

	removed := 0
	for _, e := range stale {
		// Entries rewritten since the scan are left alone.
		ok, err := store.DeleteIf(ctx, e.key, e.value)
		if err != nil {
			return removed, fmt.Errorf("sweep %s: delete %q: %w", namespace, e.key, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
