package purgectl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	purges    atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	coalesced atomic.Uint64
	attempts  atomic.Uint64

	totalLatency atomic.Int64
	minLatency   atomic.Int64
	maxLatency   atomic.Int64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minLatency.Store(math.MaxInt64)
	return s
}

// observe records one network purge (coalesced callers are counted apart).
func (s *statsCollector) observe(res Result) {
	s.purges.Add(1)
	s.attempts.Add(uint64(res.Attempts))
	if res.OK() {
		s.successes.Add(1)
	} else {
		s.failures.Add(1)
	}

	d := int64(res.Duration)
	if d < 0 {
		d = 0
	}
	s.totalLatency.Add(d)
	for {
		cur := s.minLatency.Load()
		if d >= cur || s.minLatency.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := s.maxLatency.Load()
		if d <= cur || s.maxLatency.CompareAndSwap(cur, d) {
			break
		}
	}
}

func (s *statsCollector) observeCoalesced() { s.coalesced.Add(1) }

type StatsSnapshot struct {
	Purges    uint64
	Successes uint64
	Failures  uint64
	Coalesced uint64
	Attempts  uint64

	MinLatency time.Duration
	AvgLatency time.Duration
	MaxLatency time.Duration
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Purges:    s.purges.Load(),
		Successes: s.successes.Load(),
		Failures:  s.failures.Load(),
		Coalesced: s.coalesced.Load(),
		Attempts:  s.attempts.Load(),
	}
	if out.Purges == 0 {
		return out
	}
	out.MinLatency = time.Duration(s.minLatency.Load())
	out.MaxLatency = time.Duration(s.maxLatency.Load())
	out.AvgLatency = time.Duration(s.totalLatency.Load() / int64(out.Purges))
	return out
}

// formatBytes renders b with the largest binary unit that keeps it >= 1.
func formatBytes(b uint64) string {
	units := []string{"b", "kb", "mb", "gb"}
	v, i := float64(b), 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%db", b)
	}
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0") + units[i]
}
