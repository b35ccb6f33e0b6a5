package bioverse

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tieredStore keeps recently used values in memory in front of a durable
// store. The backing store stays authoritative: writes go there first, and
// scans bypass the memory tier.
type tieredStore struct {
	ram     *lru.Cache[string, []byte]
	backing Store

	// mu orders every change to the memory tier against writes to the backing
	// store. Memory hits do not take it.
	mu sync.Mutex
}

// evictNotifier is implemented by backing stores that drop keys on their own.
type evictNotifier interface {
	setOnEvict(fn func(key string))
}

func newTieredStore(backing Store, entries int) (*tieredStore, error) {
	ram, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	if n, ok := backing.(evictNotifier); ok {
		// Runs inside a backing Put, which already holds mu.
		n.setOnEvict(func(key string) { ram.Remove(key) })
	}
	return &tieredStore{ram: ram, backing: backing}, nil
}

func (t *tieredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := t.ram.Get(key); ok {
		return v, true, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok, err := t.backing.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	t.ram.Add(key, v)
	return v, true, nil
}

func (t *tieredStore) Put(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.backing.Put(ctx, key, value); err != nil {
		t.ram.Remove(key)
		return err
	}
	t.ram.Add(key, value)
	return nil
}

func (t *tieredStore) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ram.Remove(key)
	return t.backing.Delete(ctx, key)
}

func (t *tieredStore) DeleteIf(ctx context.Context, key string, expected []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok, err := t.backing.DeleteIf(ctx, key, expected)
	if ok {
		t.ram.Remove(key)
	}
	return ok, err
}

func (t *tieredStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	return t.backing.Scan(ctx, prefix, fn)
}

func (t *tieredStore) Close() error {
	t.ram.Purge()
	return t.backing.Close()
}

// Len is the number of values held in memory.
func (t *tieredStore) Len() int { return t.ram.Len() }
