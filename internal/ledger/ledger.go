// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ledger is the source of truth for active temporary bans. It
// holds the working set in memory and writes through to the state
// store so bans survive a restart; when the store is unreachable the
// ledger keeps serving from memory and re-syncs once the store comes
// back. Exactly one active record may exist per IP.
package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/state"
)

const (
	bucket    = "bans"
	keyPrefix = "ban:"

	// DefaultSweepInterval is how often expired bans are reaped.
	DefaultSweepInterval = 5 * time.Second
)

// TempBanRecord describes one active temporary ban.
type TempBanRecord struct {
	IP         string              `json:"ip"`
	Reason     string              `json:"reason"`
	AttackType classify.AttackType `json:"attack_type,omitempty"`
	BlockedAt  time.Time           `json:"blocked_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	Methods    []string            `json:"methods"` // enforcement methods used, e.g. "set", "rule"
}

// Active reports whether the ban is still in force at now.
func (r *TempBanRecord) Active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// ExpiredFunc is invoked by the sweep loop for each ban that lapsed.
// Wired by the pipeline to enqueue the unblock job and emit ban-lifted.
type ExpiredFunc func(rec TempBanRecord)

// Options configure a Ledger.
type Options struct {
	// Store is the durable backend. A nil store means memory-only.
	Store         state.Store
	SweepInterval time.Duration
	OnExpired     ExpiredFunc
	Clock         clock.Clock
	Logger        *logging.Logger
}

func (o *Options) fill() {
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

// Ledger tracks active bans. Safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	bans     map[string]TempBanRecord
	degraded bool // store writes are failing; memory is authoritative
	dirty    map[string]struct{}

	opts Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Ledger and loads surviving bans from the store. A store
// load failure is not fatal: the ledger starts empty and degraded.
func New(opts Options) *Ledger {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("ledger")
	l := &Ledger{
		bans:  make(map[string]TempBanRecord),
		dirty: make(map[string]struct{}),
		opts:  opts,
	}
	l.load()
	return l
}

// load restores active bans from the store at startup.
func (l *Ledger) load() {
	if l.opts.Store == nil {
		return
	}
	values, err := l.opts.Store.List(bucket)
	if err != nil {
		l.degraded = true
		l.opts.Logger.WithError(err).Warn("State store unreachable, ledger running in memory")
		return
	}
	now := l.opts.Clock.Now()
	restored := 0
	for _, v := range values {
		var rec TempBanRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			l.opts.Logger.WithError(err).Warn("Skipping corrupt ban record")
			continue
		}
		if rec.Active(now) {
			l.bans[rec.IP] = rec
			restored++
		}
	}
	if restored > 0 {
		l.opts.Logger.Info("Restored active bans from store", "count", restored)
	}
}

// Put records a new active ban. A second Put for an IP with an active
// ban is rejected with KindConflict; the existing record wins.
func (l *Ledger) Put(rec TempBanRecord) error {
	now := l.opts.Clock.Now()

	l.mu.Lock()
	if existing, ok := l.bans[rec.IP]; ok && existing.Active(now) {
		l.mu.Unlock()
		return errors.Errorf(errors.KindConflict, "ban for %s already active until %s",
			rec.IP, existing.ExpiresAt.Format(time.RFC3339))
	}
	l.bans[rec.IP] = rec
	l.dirty[rec.IP] = struct{}{}
	l.mu.Unlock()

	l.persist(rec)
	return nil
}

// Get returns the active ban for ip, if any.
func (l *Ledger) Get(ip string) (TempBanRecord, bool) {
	now := l.opts.Clock.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.bans[ip]
	if !ok || !rec.Active(now) {
		return TempBanRecord{}, false
	}
	return rec, true
}

// IsBanned reports whether ip has an active ban. This is the checker
// the throttle manager is wired to.
func (l *Ledger) IsBanned(ip string) bool {
	_, ok := l.Get(ip)
	return ok
}

// Remove drops the ban for ip, if present.
func (l *Ledger) Remove(ip string) {
	l.mu.Lock()
	delete(l.bans, ip)
	delete(l.dirty, ip)
	l.mu.Unlock()

	if l.opts.Store == nil {
		return
	}
	if err := l.opts.Store.Delete(bucket, keyPrefix+ip); err != nil {
		l.markDegraded(err)
	}
}

// ListActive returns all bans still in force at now, oldest first.
// Lapsed entries found along the way are dropped from memory; the
// sweep loop handles their enforcement-side cleanup.
func (l *Ledger) ListActive(now time.Time) []TempBanRecord {
	l.mu.Lock()
	out := make([]TempBanRecord, 0, len(l.bans))
	for ip, rec := range l.bans {
		if rec.Active(now) {
			out = append(out, rec)
		} else {
			delete(l.bans, ip)
			delete(l.dirty, ip)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.Before(out[j].BlockedAt) })
	return out
}

// Degraded reports whether the ledger is currently memory-only.
func (l *Ledger) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// persist writes one record through to the store, best effort.
func (l *Ledger) persist(rec TempBanRecord) {
	if l.opts.Store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		l.opts.Logger.WithError(err).Error("Failed to encode ban record", "ip", rec.IP)
		return
	}
	if err := l.opts.Store.SetTTL(bucket, keyPrefix+rec.IP, data, rec.ExpiresAt); err != nil {
		l.markDegraded(err)
		return
	}
	l.mu.Lock()
	delete(l.dirty, rec.IP)
	recovered := l.degraded
	l.degraded = false
	l.mu.Unlock()
	if recovered {
		l.opts.Logger.Info("State store recovered, re-syncing bans")
		l.resync()
	}
}

// markDegraded flips to memory-only mode, logging once per transition.
func (l *Ledger) markDegraded(err error) {
	l.mu.Lock()
	first := !l.degraded
	l.degraded = true
	l.mu.Unlock()
	if first {
		l.opts.Logger.WithError(errors.Wrap(err, errors.KindStoreUnavailable, "ban persistence failed")).
			Warn("State store unreachable, ledger running in memory")
	}
}

// resync writes records that only exist in memory back to the store.
func (l *Ledger) resync() {
	now := l.opts.Clock.Now()
	l.mu.RLock()
	pending := make([]TempBanRecord, 0, len(l.dirty))
	for ip := range l.dirty {
		if rec, ok := l.bans[ip]; ok && rec.Active(now) {
			pending = append(pending, rec)
		}
	}
	l.mu.RUnlock()
	for _, rec := range pending {
		l.persist(rec)
	}
}

// sweep reaps lapsed bans and notifies the pipeline for each.
func (l *Ledger) sweep(now time.Time) {
	l.mu.Lock()
	var lapsed []TempBanRecord
	for ip, rec := range l.bans {
		if !rec.Active(now) {
			lapsed = append(lapsed, rec)
			delete(l.bans, ip)
			delete(l.dirty, ip)
		}
	}
	l.mu.Unlock()

	for _, rec := range lapsed {
		if l.opts.Store != nil {
			if err := l.opts.Store.Delete(bucket, keyPrefix+rec.IP); err != nil {
				l.markDegraded(err)
			}
		}
		l.opts.Logger.Info("Ban expired", "ip", rec.IP, "reason", rec.Reason)
		if l.opts.OnExpired != nil {
			l.opts.OnExpired(rec)
		}
	}
}

// Start launches the expiry sweep loop.
func (l *Ledger) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(l.opts.Clock.Now())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (l *Ledger) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}
