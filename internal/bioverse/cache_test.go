package bioverse

import (
	"bytes"
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCache(store Store, ns string, ttl time.Duration) (*Cache[sample], *fakeClock) {
	c := NewCache[sample](store, ns, ttl)
	clock := newFakeClock()
	c.now = clock.Now
	return c, clock
}

func TestCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(newMemStore(), NamespaceStructures, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", sample{Name: "a", Count: 1}, 0))
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, sample{Name: "a", Count: 1}, got)

	require.NoError(t, c.Put(ctx, "k", sample{Name: "b", Count: 2}, 0))
	got, ok = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "b", got.Name, "put replaces")

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_ExpiryBoundary(t *testing.T) {
	store := newMemStore()
	c, clock := newTestCache(store, NamespaceStructures, time.Hour)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, c.Put(ctx, "k", sample{Name: "a"}, 0))

	clock.Set(t0.Add(time.Hour - time.Second))
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Set(t0.Add(time.Hour))
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok, "an entry read exactly at its expiry is live")

	clock.Set(t0.Add(time.Hour + time.Second))
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, store.has("structures/k"), "expired entries are evicted on read")
}

func TestCache_PerEntryTTL(t *testing.T) {
	c, clock := newTestCache(newMemStore(), NamespaceMetadata, time.Hour)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, c.Put(ctx, "short", sample{}, time.Minute))
	require.NoError(t, c.Put(ctx, "default", sample{}, 0))

	clock.Set(t0.Add(2 * time.Minute))
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "default")
	assert.True(t, ok)
}

func TestCache_PutUntilRejectsInvertedRange(t *testing.T) {
	c, clock := newTestCache(newMemStore(), NamespaceStructures, time.Hour)
	now := clock.Now()
	err := c.PutUntil(context.Background(), "k", sample{}, now, now.Add(-time.Second))
	assert.Error(t, err)
}

func TestCache_CorruptEntryIsAMiss(t *testing.T) {
	store := newMemStore()
	c, _ := newTestCache(store, NamespaceStructures, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "structures/k", []byte("not json")))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, store.has("structures/k"))
}

func TestCache_StoreFailureIsAMiss(t *testing.T) {
	c, _ := newTestCache(brokenStore{}, NamespaceStructures, time.Hour)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorIs(t, c.Put(context.Background(), "k", sample{}, 0), errStoreDown)
}

func TestCache_NamespacesAreIsolated(t *testing.T) {
	store := newMemStore()
	structures, _ := newTestCache(store, NamespaceStructures, time.Hour)
	metadata, _ := newTestCache(store, NamespaceMetadata, time.Hour)
	ctx := context.Background()

	require.NoError(t, structures.Put(ctx, "k", sample{Name: "structure"}, 0))
	require.NoError(t, metadata.Put(ctx, "k", sample{Name: "metadata"}, 0))

	got, ok := structures.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "structure", got.Name)
	got, ok = metadata.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "metadata", got.Name)

	require.NoError(t, metadata.Delete(ctx, "k"))
	_, ok = structures.Get(ctx, "k")
	assert.True(t, ok)
}

func TestCache_SweepExpired(t *testing.T) {
	store := newMemStore()
	c, clock := newTestCache(store, NamespaceStructures, time.Hour)
	other, _ := newTestCache(store, NamespaceMetadata, time.Minute)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, c.Put(ctx, "old", sample{}, time.Minute))
	require.NoError(t, c.Put(ctx, "fresh", sample{}, 0))
	require.NoError(t, store.Put(ctx, "structures/broken", []byte("{")))
	require.NoError(t, other.Put(ctx, "elsewhere", sample{}, 0))

	clock.Set(t0.Add(10 * time.Minute))
	n, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.False(t, store.has("structures/old"))
	assert.False(t, store.has("structures/broken"))
	assert.True(t, store.has("structures/fresh"))
	assert.True(t, store.has("search-results/elsewhere"), "sweep stays inside its namespace")
}

func TestCache_LazyEvictionKeepsNewerWrite(t *testing.T) {
	store := newHookStore()
	c, clock := newTestCache(store, NamespaceStructures, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", sample{Name: "old"}, time.Minute))
	clock.Set(clock.Now().Add(2 * time.Minute))

	// A re-resolution lands between reading the expired entry and evicting it.
	rewritten := false
	store.afterGet = func(key string) {
		if rewritten {
			return
		}
		rewritten = true
		require.NoError(t, c.Put(ctx, "k", sample{Name: "fresh"}, 0))
	}

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "the value read had expired")

	got, ok := c.Get(ctx, "k")
	require.True(t, ok, "the newer write survives eviction of the old one")
	assert.Equal(t, "fresh", got.Name)
}

func TestCache_SweepKeepsEntriesRewrittenAfterScan(t *testing.T) {
	store := newHookStore()
	c, clock := newTestCache(store, NamespaceStructures, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", sample{Name: "old"}, time.Minute))
	clock.Set(clock.Now().Add(2 * time.Minute))

	store.afterScan = func(string) {
		require.NoError(t, c.Put(ctx, "k", sample{Name: "fresh"}, 0))
	}
	n, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	store.afterScan = nil
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "fresh", got.Name)
}

func TestCache_WarningClassesAreLimitedSeparately(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	store := newHookStore()
	c, _ := newTestCache(store, NamespaceStructures, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "structures/k", []byte("not json")))
	_, ok := c.Get(ctx, "k")
	require.False(t, ok)

	store.down.Store(true)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	out := buf.String()
	assert.Contains(t, out, "is corrupt")
	assert.Contains(t, out, "treating as miss", "a store outage is reported even right after a corrupt entry")
}
