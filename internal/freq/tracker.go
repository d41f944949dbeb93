// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package freq maintains per-source packet-rate counters on minute
// buckets. Recording is a hot-path operation on the capture goroutine;
// eviction runs in a supervised background loop so ingestion never
// pays for cleanup.
package freq

import (
	"context"
	"sync"
	"time"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/logging"
)

const (
	// DefaultRetention is how long idle sources and old buckets survive.
	DefaultRetention = 10 * time.Minute
	// DefaultSweepInterval is how often the reaper runs.
	DefaultSweepInterval = 5 * time.Minute
)

// Options configure a Tracker.
type Options struct {
	Retention     time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *logging.Logger
}

func (o *Options) fill() {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

type source struct {
	buckets  map[int64]int // minute epoch -> packet count
	ports    map[uint16]time.Time
	lastSeen time.Time
}

// Tracker counts packets per source per minute and remembers which
// destination ports each source has touched. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	sources map[string]*source

	retention     time.Duration
	sweepInterval time.Duration
	clk           clock.Clock
	logger        *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker builds a Tracker. Call Start to run the background reaper.
func NewTracker(opts Options) *Tracker {
	opts.fill()
	return &Tracker{
		sources:       make(map[string]*source),
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		clk:           opts.Clock,
		logger:        opts.Logger.WithComponent("freq"),
	}
}

// Record increments the (src, current-minute) bucket and returns the
// bucket's new count, i.e. the source's packets this minute.
func (t *Tracker) Record(src string, now time.Time) int {
	minute := now.UTC().Unix() / 60

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sources[src]
	if !ok {
		s = &source{buckets: make(map[int64]int), ports: make(map[uint16]time.Time)}
		t.sources[src] = s
	}
	s.buckets[minute]++
	s.lastSeen = now
	return s.buckets[minute]
}

// Rate returns the source's count for the current minute without
// incrementing.
func (t *Tracker) Rate(src string, now time.Time) int {
	minute := now.UTC().Unix() / 60

	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.sources[src]; ok {
		return s.buckets[minute]
	}
	return 0
}

// ObservePort notes that src sent traffic to a destination port.
func (t *Tracker) ObservePort(src string, port uint16, now time.Time) {
	if port == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sources[src]
	if !ok {
		s = &source{buckets: make(map[int64]int), ports: make(map[uint16]time.Time)}
		t.sources[src] = s
	}
	s.ports[port] = now
	s.lastSeen = now
}

// PortsSeen returns how many distinct destination ports src touched
// within the retention window.
func (t *Tracker) PortsSeen(src string, now time.Time) int {
	cutoff := now.Add(-t.retention)

	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sources[src]
	if !ok {
		return 0
	}
	n := 0
	for _, seen := range s.ports {
		if seen.After(cutoff) {
			n++
		}
	}
	return n
}

// Sources returns how many sources are currently tracked.
func (t *Tracker) Sources() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sources)
}

// Cleanup evicts buckets and port entries older than the retention
// window, and forgets sources with nothing left.
func (t *Tracker) Cleanup(now time.Time) {
	cutoffMinute := now.UTC().Add(-t.retention).Unix() / 60
	cutoff := now.Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	for addr, s := range t.sources {
		for minute := range s.buckets {
			if minute < cutoffMinute {
				delete(s.buckets, minute)
			}
		}
		for port, seen := range s.ports {
			if !seen.After(cutoff) {
				delete(s.ports, port)
			}
		}
		if len(s.buckets) == 0 && len(s.ports) == 0 && !s.lastSeen.After(cutoff) {
			delete(t.sources, addr)
		}
	}
}

// Start launches the reaper loop. It stops when ctx is canceled or
// Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				before := t.Sources()
				t.Cleanup(t.clk.Now())
				if evicted := before - t.Sources(); evicted > 0 {
					t.logger.Debug("Evicted idle sources", "count", evicted)
				}
			}
		}
	}()
}

// Stop halts the reaper and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
