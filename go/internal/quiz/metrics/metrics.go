package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Collector defines the interface for collecting sync metrics
type Collector interface {
	RecordFetch(kind string, success bool, duration time.Duration)
	RecordStateApplied(source string)
	RecordStaleDiscarded(source string)
	RecordResolution(state string, attempts int)
}

// NoOp is a no-op implementation for when metrics aren't needed
type NoOp struct{}

func (NoOp) RecordFetch(kind string, success bool, duration time.Duration) {}
func (NoOp) RecordStateApplied(source string)                              {}
func (NoOp) RecordStaleDiscarded(source string)                            {}
func (NoOp) RecordResolution(state string, attempts int)                   {}

// LogCollector writes every observation to the debug log.
type LogCollector struct{}

func (LogCollector) RecordFetch(kind string, success bool, duration time.Duration) {
	log.Debug().Str("kind", kind).Bool("success", success).Dur("duration", duration).Msg("fetch")
}

func (LogCollector) RecordStateApplied(source string) {
	log.Debug().Str("source", source).Msg("state applied")
}

func (LogCollector) RecordStaleDiscarded(source string) {
	log.Debug().Str("source", source).Msg("stale state discarded")
}

func (LogCollector) RecordResolution(state string, attempts int) {
	log.Debug().Str("state", state).Int("attempts", attempts).Msg("round result resolution")
}

// Counters keeps in-memory totals, for the local status endpoint.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int64)}
}

func (c *Counters) inc(key string, by int64) {
	c.mu.Lock()
	c.counts[key] += by
	c.mu.Unlock()
}

func (c *Counters) RecordFetch(kind string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.inc(fmt.Sprintf("fetch.%s.%s", kind, status), 1)
}

func (c *Counters) RecordStateApplied(source string) {
	c.inc("state_applied."+source, 1)
}

func (c *Counters) RecordStaleDiscarded(source string) {
	c.inc("stale_discarded."+source, 1)
}

func (c *Counters) RecordResolution(state string, attempts int) {
	c.inc("resolution."+state, 1)
	c.inc("resolution_attempts", int64(attempts))
}

// Get returns one counter.
func (c *Counters) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Keys returns counter names in sorted order.
func (c *Counters) Keys() []string {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Multi fans observations out to several collectors.
type Multi []Collector

func (m Multi) RecordFetch(kind string, success bool, duration time.Duration) {
	for _, c := range m {
		c.RecordFetch(kind, success, duration)
	}
}

func (m Multi) RecordStateApplied(source string) {
	for _, c := range m {
		c.RecordStateApplied(source)
	}
}

func (m Multi) RecordStaleDiscarded(source string) {
	for _, c := range m {
		c.RecordStaleDiscarded(source)
	}
}

func (m Multi) RecordResolution(state string, attempts int) {
	for _, c := range m {
		c.RecordResolution(state, attempts)
	}
}
