package bioverse

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	resolutions    atomic.Uint64
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	failures       atomic.Uint64
	failedAttempts atomic.Uint64

	payloads     atomic.Uint64
	payloadBytes atomic.Uint64
	minPayload   atomic.Uint64
	maxPayload   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minPayload.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveHit() {
	s.resolutions.Add(1)
	s.cacheHits.Add(1)
}

// ObserveResolution records a cache miss that went to the providers.
func (s *statsCollector) ObserveResolution(o Outcome) {
	s.resolutions.Add(1)
	s.cacheMisses.Add(1)
	s.failedAttempts.Add(uint64(len(o.Trail)))
	if !o.OK() {
		s.failures.Add(1)
		return
	}
	s.observePayload(uint64(len(o.Record.Payload)))
}

func (s *statsCollector) observePayload(n uint64) {
	s.payloads.Add(1)
	s.payloadBytes.Add(n)

	for {
		cur := s.minPayload.Load()
		if n >= cur || s.minPayload.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxPayload.Load()
		if n <= cur || s.maxPayload.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Resolutions    uint64 `json:"resolutions"`
	CacheHits      uint64 `json:"cacheHits"`
	CacheMisses    uint64 `json:"cacheMisses"`
	Failures       uint64 `json:"failures"`
	FailedAttempts uint64 `json:"failedAttempts"`

	Payloads        uint64 `json:"payloads"`
	MinPayloadBytes uint64 `json:"minPayloadBytes"`
	MaxPayloadBytes uint64 `json:"maxPayloadBytes"`
	AvgPayloadBytes uint64 `json:"avgPayloadBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	snap := statsSnapshot{
		Resolutions:    s.resolutions.Load(),
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
		Failures:       s.failures.Load(),
		FailedAttempts: s.failedAttempts.Load(),
	}
	count := s.payloads.Load()
	if count == 0 {
		return snap
	}
	snap.Payloads = count
	snap.MinPayloadBytes = s.minPayload.Load()
	snap.MaxPayloadBytes = s.maxPayload.Load()
	snap.AvgPayloadBytes = s.payloadBytes.Load() / count
	return snap
}
