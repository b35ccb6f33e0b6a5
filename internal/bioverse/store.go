package bioverse

import (
	"context"
	"fmt"
)

// Store is a durable byte store addressed by string keys. Values are returned
// exactly as written. Implementations must be safe for concurrent use; writes
// to the same key are last-writer-wins.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeleteIf removes key only while its value still equals expected, and
	// reports whether it did. Deleting a missing key reports false.
	DeleteIf(ctx context.Context, key string, expected []byte) (bool, error)
	// Scan calls fn for every key with prefix until fn returns false.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error
	Close() error
}

// OpenStore opens the configured backend, fronted by an in-memory tier when
// storage.ram.entries is positive.
func OpenStore(cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Storage.Backend {
	case "", "leveldb":
		s, err = openLevelDBStore(cfg.Storage.Path, cfg.Storage.diskMaxBytes)
	case "redis":
		s, err = newRedisStore(cfg.Storage.Redis)
	default:
		return nil, fmt.Errorf("storage.backend: unknown %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Storage.RAM.Entries > 0 {
		return newTieredStore(s, cfg.Storage.RAM.Entries)
	}
	return s, nil
}
