package bioverse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func atomLine(serial int, name, resName string, chain byte, resSeq int, bfactor float64) string {
	return fmt.Sprintf("ATOM  %5d %-4s %3s %c%4d    %8.3f%8.3f%8.3f%6.2f%6.2f           C",
		serial, name, resName, chain, resSeq, 1.0, 2.0, 3.0, 1.0, bfactor)
}

// samplePDB is a minimal structure file with a title and two residues.
var samplePDB = strings.Join([]string{
	"HEADER    OXYGEN TRANSPORT                        07-MAR-84   4HHB",
	"TITLE     THE CRYSTAL STRUCTURE OF HUMAN DEOXYHAEMOGLOBIN AT 1.74 ANGSTROMS",
	"TITLE    2 RESOLUTION",
	atomLine(1, "N", "VAL", 'A', 1, 49.05),
	atomLine(2, "CA", "VAL", 'A', 1, 91.50),
	atomLine(3, "C", "VAL", 'A', 1, 40.00),
	atomLine(4, "CA", "LEU", 'A', 2, 73.25),
	"END",
	"",
}, "\n")

// upstream is a fake structure archive that counts requests per path and
// answers 404 for paths without a route.
type upstream struct {
	srv *httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	routes map[string]http.HandlerFunc
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{hits: map[string]int{}, routes: map[string]http.HandlerFunc{}}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		h, ok := u.routes[r.URL.Path]
		u.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(path string, status int, body string) {
	u.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func (u *upstream) handle(path string, h http.HandlerFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.routes[path] = h
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

// countPrefix sums requests whose path starts with prefix.
func (u *upstream) countPrefix(prefix string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for p, c := range u.hits {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

func (u *upstream) url(path string) string { return u.srv.URL + path }

// testConfig parses extra YAML on top of settings that keep tests fast: a
// temporary leveldb directory and millisecond backoff.
func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf(`
storage:
  path: %q
retry:
  attempts: 3
  baseDelay: 1ms
  maxDelay: 5ms
  attemptTimeout: 2s
`, t.TempDir()) + extra
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

// threeTierProviders mirrors the default layout against a fake upstream:
// accession models, then PDB entries, then a raw lookup.
func threeTierProviders(u *upstream) string {
	return fmt.Sprintf(`
providers:
  - name: models
    kind: uniprot
    priority: 10
    case: upper
    confidence: true
    templates:
      - %q
      - %q
  - name: entries
    kind: pdb
    priority: 20
    case: lower
    templates:
      - %q
  - name: generic
    kind: raw
    priority: 100
    templates:
      - %q
`,
		u.url("/models/AF-{id}-F1-model_v4.pdb"),
		u.url("/models/AF-{id}-F1.pdb"),
		u.url("/entries/{id}.pdb"),
		u.url("/files/{id}.pdb"),
	)
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	store, err := OpenStore(cfg)
	require.NoError(t, err)
	svc := newService(cfg, store)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var errStoreDown = errors.New("store unavailable")

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (brokenStore) Put(context.Context, string, []byte) error         { return errStoreDown }
func (brokenStore) Delete(context.Context, string) error              { return errStoreDown }
func (brokenStore) DeleteIf(context.Context, string, []byte) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) Scan(context.Context, string, func(string, []byte) bool) error {
	return errStoreDown
}
func (brokenStore) Close() error { return nil }

// memStore is a map-backed Store.
type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: map[string][]byte{}} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memStore) DeleteIf(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok || !bytes.Equal(v, expected) {
		return false, nil
	}
	delete(s.m, key)
	return true, nil
}

func (s *memStore) Scan(_ context.Context, prefix string, fn func(string, []byte) bool) error {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.m))
	for k, v := range s.m {
		if strings.HasPrefix(k, prefix) {
			snapshot[k] = v
		}
	}
	s.mu.Unlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

// hookStore wraps a memStore with switches and callbacks for exercising
// interleavings and outages.
type hookStore struct {
	*memStore

	down     atomic.Bool
	failScan string // Scan fails for this prefix

	afterGet  func(key string)
	afterScan func(prefix string)
}

func newHookStore() *hookStore { return &hookStore{memStore: newMemStore()} }

func (h *hookStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if h.down.Load() {
		return nil, false, errStoreDown
	}
	v, ok, err := h.memStore.Get(ctx, key)
	if h.afterGet != nil {
		h.afterGet(key)
	}
	return v, ok, err
}

func (h *hookStore) Put(ctx context.Context, key string, value []byte) error {
	if h.down.Load() {
		return errStoreDown
	}
	return h.memStore.Put(ctx, key, value)
}

func (h *hookStore) Scan(ctx context.Context, prefix string, fn func(string, []byte) bool) error {
	if h.down.Load() || (h.failScan != "" && prefix == h.failScan) {
		return errStoreDown
	}
	err := h.memStore.Scan(ctx, prefix, fn)
	if h.afterScan != nil {
		h.afterScan(prefix)
	}
	return err
}
