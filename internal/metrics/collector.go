package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Collector aggregates daemon counters in memory for the periodic log summary
// and the control socket.
type Collector struct {
	mu           sync.RWMutex
	enabled      bool
	started      time.Time
	counters     map[Counter]uint64
	cacheSize    int
	maxCacheSize int
	eventTotal   time.Duration
	eventMax     time.Duration
	lastReload   time.Duration
}

// Snapshot is the serializable view of the current metrics state.
type Snapshot struct {
	Enabled        bool               `json:"enabled"`
	Started        time.Time          `json:"started,omitempty"`
	Counters       map[Counter]uint64 `json:"counters,omitempty"`
	CacheSize      int                `json:"currentCacheSize"`
	MaxCacheSize   int                `json:"maxCacheSize"`
	AvgEventTime   time.Duration      `json:"avgEventTime"`
	MaxEventTime   time.Duration      `json:"maxEventTime"`
	LastReloadTime time.Duration      `json:"configReloadTime"`
}

// NewCollector returns a collector with the provided opt-in state.
func NewCollector(enabled bool) *Collector {
	c := &Collector{}
	c.SetEnabled(enabled)
	return c
}

// Enabled reports whether collection is currently active.
func (c *Collector) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled toggles collection, resetting counters when enabling.
func (c *Collector) SetEnabled(enabled bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	c.counters = nil
	c.cacheSize, c.maxCacheSize = 0, 0
	c.eventTotal, c.eventMax, c.lastReload = 0, 0, 0
	if !enabled {
		c.started = time.Time{}
		return
	}
	c.started = time.Now()
	c.counters = make(map[Counter]uint64)
}

// Reset clears the collected values of an enabled collector. Counters named
// in keep survive the reset.
func (c *Collector) Reset(keep ...Counter) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	counters := make(map[Counter]uint64, len(keep))
	for _, name := range keep {
		if v, ok := c.counters[name]; ok {
			counters[name] = v
		}
	}
	c.counters = counters
	c.cacheSize, c.maxCacheSize = 0, 0
	c.eventTotal, c.eventMax, c.lastReload = 0, 0, 0
	c.started = time.Now()
}

func (c *Collector) Add(name Counter, delta uint64) {
	c.update(func() { c.counters[name] += delta })
}

func (c *Collector) SetCacheSize(n int) {
	c.update(func() {
		c.cacheSize = n
		if n > c.maxCacheSize {
			c.maxCacheSize = n
		}
	})
}

func (c *Collector) ObserveEvent(_ string, d time.Duration) {
	c.update(func() {
		c.eventTotal += d
		if d > c.eventMax {
			c.eventMax = d
		}
	})
}

func (c *Collector) ObserveReload(d time.Duration) {
	c.update(func() { c.lastReload = d })
}

func (c *Collector) update(mutate func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	if c.counters == nil {
		c.counters = make(map[Counter]uint64)
	}
	mutate()
}

// Count returns the current value of one counter.
func (c *Collector) Count(name Counter) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Snapshot returns the current counters for serialization or display.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Enabled: c.enabled}
	if !c.enabled {
		return snap
	}
	snap.Started = c.started
	snap.Counters = make(map[Counter]uint64, len(c.counters))
	for name, v := range c.counters {
		snap.Counters[name] = v
	}
	snap.CacheSize = c.cacheSize
	snap.MaxCacheSize = c.maxCacheSize
	snap.MaxEventTime = c.eventMax
	if n := c.counters[EventsProcessed]; n > 0 {
		snap.AvgEventTime = c.eventTotal / time.Duration(n)
	}
	snap.LastReloadTime = c.lastReload
	return snap
}

// Summary renders the snapshot as a single log line.
func (s Snapshot) Summary() string {
	var b strings.Builder
	b.WriteString("metrics:")
	for _, name := range Counters {
		fmt.Fprintf(&b, " %s=%d", name, s.Counters[name])
	}
	fmt.Fprintf(&b, " current_cache_size=%d max_cache_size=%d avg_event_time=%s max_event_time=%s config_reload_time=%s",
		s.CacheSize, s.MaxCacheSize, s.AvgEventTime, s.MaxEventTime, s.LastReloadTime)
	return b.String()
}

var _ Sink = (*Collector)(nil)
