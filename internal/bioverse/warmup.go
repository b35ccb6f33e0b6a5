package bioverse

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// startWarmup resolves warmup.identifiers after warmup.initialDelay, and again
// every warmup.every when set. Cached identifiers are cache hits, so a periodic
// pass only refetches what expired or was purged.
func (s *Service) startWarmup() {
	ids := make([]string, 0, len(s.cfg.Warmup.Identifiers))
	for _, id := range s.cfg.Warmup.Identifiers {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	initDelay := s.cfg.Warmup.initialDelay
	period := s.cfg.Warmup.every

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			start := time.Now()
			ok, failed := s.warmupOnce(ids)
			log.Printf("warmup: resolved=%d failed=%d in %s", ok, failed, time.Since(start).Round(time.Millisecond))
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// warmupOnce resolves ids with at most cap(bgSem) resolutions in flight.
func (s *Service) warmupOnce(ids []string) (ok, failed int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, raw := range ids {
		select {
		case <-s.stopCh:
			wg.Wait()
			return ok, failed
		case s.bgSem <- struct{}{}:
		}

		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			defer func() { <-s.bgSem }()

			ctx, cancel := s.backgroundContext(context.Background())
			defer cancel()

			_, err := s.ResolveStructure(ctx, raw)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.Printf("warmup: %s: %v", raw, err)
				return
			}
			ok++
		}(raw)
	}
	wg.Wait()
	return ok, failed
}
