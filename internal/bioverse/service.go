package bioverse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Service struct {
	cfg Config

	store      Store
	structures *Cache[StructureRecord]
	metadata   *Metadata
	resolver   *Resolver

	// flights collapses concurrent misses for the same identifier into one
	// resolution.
	flights singleflight.Group

	bgSem chan struct{}

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	storeWarn *rateLimitedLogger

	stats *statsCollector
}

// NewService opens the configured store and starts the background loops.
func NewService(cfg Config) (*Service, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := newService(cfg, store)
	s.start()
	return s, nil
}

// newService wires the components without starting any goroutine.
func newService(cfg Config, store Store) *Service {
	f := newFetcher(cfg)
	v := PDBValidator{}

	adapters := make([]Adapter, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		adapters = append(adapters, newHTTPAdapter(p, f, v))
	}

	return &Service{
		cfg:        cfg,
		store:      store,
		structures: NewCache[StructureRecord](store, NamespaceStructures, cfg.Cache.structureTTL),
		metadata:   newMetadata(cfg, f, store),
		resolver:   NewResolver(adapters, v, cfg.Cache.structureTTL),
		bgSem:      make(chan struct{}, cfg.Warmup.Concurrency),
		stopCh:     make(chan struct{}),
		storeWarn:  newRateLimitedLogger(time.Minute),
		stats:      newStatsCollector(),
	}
}

func (s *Service) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(s.cfg.Cache.sweepEvery)
	}()

	if s.cfg.Logging.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.Logging.statsEvery)
		}()
	}

	s.startWarmup()
}

// Close stops the background loops and closes the store. It is safe to call
// more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

// ResolveStructure returns the cached record for raw or resolves it through
// the providers in priority order and caches the result. A failed resolution
// returns a *ResolutionError and caches nothing.
func (s *Service) ResolveStructure(ctx context.Context, raw string) (StructureRecord, error) {
	rec, _, err := s.resolve(ctx, raw)
	return rec, err
}

type flightResult struct {
	rec StructureRecord
	hit bool
}

func (s *Service) resolve(ctx context.Context, raw string) (StructureRecord, bool, error) {
	id := ParseIdentifier(raw)
	if id.Raw == "" {
		return StructureRecord{}, false, Outcome{Identifier: id, cause: ErrEmptyIdentifier}.Err()
	}
	if err := ctx.Err(); err != nil {
		return StructureRecord{}, false, Outcome{Identifier: id, cause: err}.Err()
	}
	key := id.Key()

	if rec, ok := s.structures.Get(ctx, key); ok {
		s.stats.ObserveHit()
		return rec, true, nil
	}

	// The flight outlives any single caller: a caller that gives up only stops
	// waiting, and the others still get the shared result.
	ch := s.flights.DoChan(key, func() (any, error) {
		fctx, cancel := s.backgroundContext(ctx)
		defer cancel()

		// A flight that finished just before this one may have filled the cache.
		if rec, ok := s.structures.Get(fctx, key); ok {
			s.stats.ObserveHit()
			return flightResult{rec: rec, hit: true}, nil
		}

		out := s.resolver.Resolve(fctx, id)
		s.stats.ObserveResolution(out)
		if !out.OK() {
			return nil, out.Err()
		}

		rec := *out.Record
		if err := s.structures.PutUntil(fctx, key, rec, rec.FetchedAt, rec.ExpiresAt); err != nil {
			// The caller still gets the record; the next call resolves again.
			s.storeWarn.Printf("cache: store %s: %v", id, err)
		}
		return flightResult{rec: rec}, nil
	})

	select {
	case <-ctx.Done():
		return StructureRecord{}, false, Outcome{Identifier: id, cause: ctx.Err()}.Err()
	case res := <-ch:
		if res.Err != nil {
			return StructureRecord{}, false, res.Err
		}
		fr := res.Val.(flightResult)
		return fr.rec, fr.hit, nil
	}
}

// backgroundContext derives a context that keeps parent's values but not its
// cancellation. It ends after resolveTimeout or when the service closes.
func (s *Service) backgroundContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.resolveTimeout())
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// resolveTimeout bounds one detached resolution: every provider candidate may
// use all of its tries.
func (s *Service) resolveTimeout() time.Duration {
	p := s.cfg.retryPolicy()
	cands := 0
	for _, spec := range s.cfg.Providers {
		cands += len(spec.Templates)
	}
	if cands == 0 {
		cands = 1
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(cands*attempts) * p.AttemptTimeout
}

// PurgeStructure removes the cached record for raw, if any.
func (s *Service) PurgeStructure(ctx context.Context, raw string) error {
	id := ParseIdentifier(raw)
	if id.Raw == "" {
		return ErrEmptyIdentifier
	}
	return s.structures.Delete(ctx, id.Key())
}

// SearchProtein looks up the best UniProt match for a free-text query.
func (s *Service) SearchProtein(ctx context.Context, query string) (UniProtHit, error) {
	return s.metadata.Search(ctx, query)
}

func (s *Service) ProteinEntry(ctx context.Context, accession string) (UniProtEntry, error) {
	return s.metadata.Entry(ctx, accession)
}

// ExpressionDataset describes the GEO dataset with the given GSE/GDS accession.
func (s *Service) ExpressionDataset(ctx context.Context, accession string) (GEODataset, error) {
	return s.metadata.Dataset(ctx, accession)
}

// SearchExperiments finds ArrayExpress studies by accession or keyword.
func (s *Service) SearchExperiments(ctx context.Context, query string) ([]Experiment, error) {
	return s.metadata.Experiments(ctx, query)
}

type SweepResult struct {
	Structures int `json:"structures"`
	Metadata   int `json:"metadata"`
}

// Sweep deletes expired entries from both namespaces. A failure in one
// namespace does not stop the other from being swept.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errStructures, errMetadata error
	res.Structures, errStructures = s.structures.SweepExpired(ctx)
	res.Metadata, errMetadata = s.metadata.SweepExpired(ctx)
	return res, errors.Join(errStructures, errMetadata)
}

func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			res, err := s.Sweep(ctx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("sweep: error: %v", err)
			}
			if res.Structures > 0 || res.Metadata > 0 {
				log.Printf("sweep: removed structures=%d metadata=%d", res.Structures, res.Metadata)
			}
		}
	}
}

// storeSizer is implemented by stores that track their footprint.
type storeSizer interface {
	TotalSize() int64
	KeyCount() int
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			log.Printf(
				"Resolutions: %d (hits %d, misses %d, failed %d), Provider failures: %d, Payload min/avg/max %s/%s/%s%s",
				ss.Resolutions,
				ss.CacheHits,
				ss.CacheMisses,
				ss.Failures,
				ss.FailedAttempts,
				formatBytes(ss.MinPayloadBytes),
				formatBytes(ss.AvgPayloadBytes),
				formatBytes(ss.MaxPayloadBytes),
				s.storeUsage(),
			)
		}
	}
}

func (s *Service) storeUsage() string {
	store := s.store
	ram := ""
	if t, ok := store.(*tieredStore); ok {
		ram = fmt.Sprintf(", RAM entries: %d", t.Len())
		store = t.backing
	}
	out := ram
	if sz, ok := store.(storeSizer); ok {
		out += fmt.Sprintf(", Disk: %d keys, %s", sz.KeyCount(), formatBytes(uint64(sz.TotalSize())))
	}
	if rss, ok := processRSSBytes(); ok {
		out += ", RSS: " + formatBytes(rss)
	}
	return out
}
