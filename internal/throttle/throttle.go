// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package throttle is the process-wide alert and enforcement gate. It
// guarantees one visible alert per distinct (source, attack) pair,
// rate-limits repeats, and makes auto-banning idempotent: one ban per
// attack type per source until a manual unban resets the slate.
package throttle

import (
	"context"
	"sync"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/logging"
)

const (
	DefaultAlertInterval   = 2 * time.Second
	DefaultGracePeriod     = 5 * time.Minute
	DefaultInflightTimeout = 10 * time.Second

	// lastAlert entries idle this long are pruned by the sweep loop.
	alertRetention = time.Hour
)

// Options configure a Manager.
type Options struct {
	AlertInterval   time.Duration
	GracePeriod     time.Duration
	InflightTimeout time.Duration
	SweepInterval   time.Duration

	// IsBanned answers whether a source currently has an active ban.
	// Wired to the ban ledger in production.
	IsBanned func(src string) bool

	Clock  clock.Clock
	Logger *logging.Logger
}

func (o *Options) fill() {
	if o.AlertInterval <= 0 {
		o.AlertInterval = DefaultAlertInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.InflightTimeout <= 0 {
		o.InflightTimeout = DefaultInflightTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.IsBanned == nil {
		o.IsBanned = func(string) bool { return false }
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

type pairKey struct {
	src    string
	attack classify.AttackType
}

// Manager tracks alert and enforcement state per source. All methods
// are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	lastAlert   map[pairKey]time.Time
	alerted     map[string]map[classify.AttackType]struct{}
	inflight    map[string]time.Time
	grace       map[string]time.Time
	bannedTypes map[string]map[classify.AttackType]struct{}

	opts Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager. Call Start to run the sweep loop that
// force-clears stuck in-flight markers.
func NewManager(opts Options) *Manager {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("throttle")
	return &Manager{
		lastAlert:   make(map[pairKey]time.Time),
		alerted:     make(map[string]map[classify.AttackType]struct{}),
		inflight:    make(map[string]time.Time),
		grace:       make(map[string]time.Time),
		bannedTypes: make(map[string]map[classify.AttackType]struct{}),
		opts:        opts,
	}
}

// ShouldAlert reports whether an alert for (src, attack) may go out
// now. The first occurrence of a pair always passes; afterwards a
// minimum interval applies per pair. A true return claims the slot.
func (m *Manager) ShouldAlert(src string, attack classify.AttackType) bool {
	now := m.opts.Clock.Now()
	key := pairKey{src, attack}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.alerted[src][attack]; !seen {
		if m.alerted[src] == nil {
			m.alerted[src] = make(map[classify.AttackType]struct{})
		}
		m.alerted[src][attack] = struct{}{}
		m.lastAlert[key] = now
		return true
	}

	if now.Sub(m.lastAlert[key]) < m.opts.AlertInterval {
		return false
	}
	m.lastAlert[key] = now
	return true
}

// ShouldBlock reports whether an automatic ban for (src, attack) is
// allowed: not already banned, not in flight, not inside the post-unban
// grace window, and this attack type has not already banned this source.
func (m *Manager) ShouldBlock(src string, attack classify.AttackType) bool {
	if m.opts.IsBanned(src) {
		return false
	}
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inflight[src]; busy {
		return false
	}
	if until, ok := m.grace[src]; ok {
		if now.Sub(until) < m.opts.GracePeriod {
			return false
		}
		delete(m.grace, src)
	}
	if _, done := m.bannedTypes[src][attack]; done {
		return false
	}
	return true
}

// BeginBlock claims the in-flight marker for src. It returns false if
// another ban for src is already in flight; the caller must not
// proceed in that case.
func (m *Manager) BeginBlock(src string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[src]; busy {
		return false
	}
	m.inflight[src] = m.opts.Clock.Now()
	return true
}

// EndBlock releases the in-flight marker. When the ban was applied,
// the attack type is recorded so it can never auto-ban this source
// again before a manual unban.
func (m *Manager) EndBlock(src string, attack classify.AttackType, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, src)
	if banned {
		if m.bannedTypes[src] == nil {
			m.bannedTypes[src] = make(map[classify.AttackType]struct{})
		}
		m.bannedTypes[src][attack] = struct{}{}
	}
}

// OnManualUnban wipes all throttle state for src and starts its grace
// period. This is the only path that makes a source eligible for the
// same attack-type ban again.
func (m *Manager) OnManualUnban(src string) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.lastAlert {
		if key.src == src {
			delete(m.lastAlert, key)
		}
	}
	delete(m.alerted, src)
	delete(m.inflight, src)
	delete(m.bannedTypes, src)
	m.grace[src] = now
}

// IsInGracePeriod reports whether src is inside its post-unban window.
func (m *Manager) IsInGracePeriod(src string) bool {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.grace[src]
	if !ok {
		return false
	}
	if now.Sub(until) >= m.opts.GracePeriod {
		delete(m.grace, src)
		return false
	}
	return true
}

// sweep force-clears in-flight markers older than the timeout so a
// wedged enforcement call cannot block a source forever, and prunes
// stale alert timestamps and expired grace entries.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for src, began := range m.inflight {
		if now.Sub(began) > m.opts.InflightTimeout {
			delete(m.inflight, src)
			m.opts.Logger.Warn("Force-cleared stuck blocking marker", "src", src, "age", now.Sub(began).String())
		}
	}
	for key, at := range m.lastAlert {
		if now.Sub(at) > alertRetention {
			delete(m.lastAlert, key)
		}
	}
	for src, at := range m.grace {
		if now.Sub(at) >= m.opts.GracePeriod {
			delete(m.grace, src)
		}
	}
}

// Start launches the sweep loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(m.opts.Clock.Now())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
