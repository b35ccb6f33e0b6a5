package bioverse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Entries live under "e:<key>", their size/access bookkeeping under "m:<key>".
const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64 // unix seconds
}

func (m diskMeta) encode() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(m.Size))
	binary.BigEndian.PutUint64(b[8:16], uint64(m.LastAccess))
	return b
}

func decodeDiskMeta(b []byte) (diskMeta, bool) {
	if len(b) != 16 {
		return diskMeta{}, false
	}
	return diskMeta{
		Size:       int64(binary.BigEndian.Uint64(b[0:8])),
		LastAccess: int64(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// leveldbStore persists entries in a leveldb directory. When the stored bytes
// exceed maxBytes the least recently accessed tenth of the keys is dropped.
type leveldbStore struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	evictLog *rateLimitedLogger
	onEvict  func(key string)
}

func openLevelDBStore(path string, maxBytes int64) (*leveldbStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &leveldbStore{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		evictLog: newRateLimitedLogger(time.Minute),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *leveldbStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		meta, ok := decodeDiskMeta(it.Value())
		if !ok {
			continue
		}
		idx[strings.TrimPrefix(string(it.Key()), metaPrefix)] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *leveldbStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := d.db.Get([]byte(entryPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// Access time only matters for size eviction, so it stays in memory until
	// the next write of the key.
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	return b, true, nil
}

func (d *leveldbStore) Put(_ context.Context, key string, value []byte) error {
	meta := diskMeta{Size: int64(len(value)), LastAccess: time.Now().Unix()}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+key), value)
	batch.Put([]byte(metaPrefix+key), meta.encode())

	d.mu.Lock()
	if err := d.db.Write(batch, nil); err != nil {
		d.mu.Unlock()
		return err
	}
	d.totalSize += meta.Size - d.index[key].Size
	d.index[key] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome(key)
	}
	return nil
}

func (d *leveldbStore) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(key)
}

func (d *leveldbStore) DeleteIf(_ context.Context, key string, expected []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.db.Get([]byte(entryPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, expected) {
		return false, nil
	}
	if err := d.deleteLocked(key); err != nil {
		return false, err
	}
	return true, nil
}

// deleteLocked removes key and its bookkeeping. d.mu must be held, so the
// index always matches what the last write left on disk.
func (d *leveldbStore) deleteLocked(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + key))
	batch.Delete([]byte(metaPrefix + key))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	return nil
}

func (d *leveldbStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+prefix)), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Iterator buffers are reused on Next.
		v := append([]byte(nil), it.Value()...)
		if !fn(strings.TrimPrefix(string(it.Key()), entryPrefix), v) {
			break
		}
	}
	return it.Error()
}

func (d *leveldbStore) Close() error {
	return d.db.Close()
}

// TotalSize is the sum of stored value sizes.
func (d *leveldbStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *leveldbStore) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// setOnEvict registers fn to be called with every key dropped by size
// eviction. It must be set before the store is used.
func (d *leveldbStore) setOnEvict(fn func(key string)) {
	d.onEvict = fn
}

// evictSome drops the least recently accessed tenth of the keys, never keep.
func (d *leveldbStore) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := (len(items) + 1) / 10
	if n < 1 {
		n = 1
	}
	evicted := 0
	for i := 0; i < n && i < len(items); i++ {
		d.mu.Lock()
		err := d.deleteLocked(items[i].key)
		d.mu.Unlock()
		if err != nil {
			d.evictLog.Printf("cache: evict %q: %v", items[i].key, err)
			continue
		}
		evicted++
		if d.onEvict != nil {
			d.onEvict(items[i].key)
		}
	}
	d.evictLog.Printf("cache: disk over %s, evicted %d least recently used entries", formatBytes(uint64(d.maxBytes)), evicted)
}
