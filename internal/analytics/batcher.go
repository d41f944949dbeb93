// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/logging"
)

const (
	DefaultFlushInterval   = 2 * time.Second
	DefaultInitialBatch    = 64
	DefaultMinBatch        = 16
	DefaultMaxBatch        = 512
	DefaultHardCap         = 4096
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// BatcherOptions configure a Batcher.
type BatcherOptions struct {
	Store *Store

	FlushInterval time.Duration
	InitialBatch  int
	MinBatch      int
	MaxBatch      int
	// HardCap bounds the pending buffer. Past it, normal-severity
	// records are dropped and critical records bypass the batch.
	HardCap int

	Retention       time.Duration
	CleanupInterval time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
}

func (o *BatcherOptions) fill() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.InitialBatch <= 0 {
		o.InitialBatch = DefaultInitialBatch
	}
	if o.MinBatch <= 0 {
		o.MinBatch = DefaultMinBatch
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.HardCap <= 0 {
		o.HardCap = DefaultHardCap
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Batcher buffers detection events and writes them in adaptive
// batches. The batch size halves when a flush leaves a backlog and
// grows by a quarter when the buffer drains, so bursts trade write
// granularity for throughput without unbounded memory.
type Batcher struct {
	mu        sync.Mutex
	pending   []DetectionEvent
	batchSize int

	dropped atomic.Uint64

	opts BatcherOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatcher builds a Batcher over a store.
func NewBatcher(opts BatcherOptions) *Batcher {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("analytics")
	return &Batcher{
		pending:   make([]DetectionEvent, 0, opts.InitialBatch),
		batchSize: opts.InitialBatch,
		opts:      opts,
	}
}

// Record queues an event for the next flush. Never blocks the caller
// on the database: over the hard cap, normal-severity events are
// dropped and counted while critical events are written individually.
func (b *Batcher) Record(ev DetectionEvent) {
	b.mu.Lock()
	if len(b.pending) >= b.opts.HardCap {
		b.mu.Unlock()
		if ev.Severity == classify.SeverityCritical {
			if err := b.opts.Store.Insert(ev); err != nil {
				b.dropped.Add(1)
				b.opts.Logger.WithError(err).Warn("Direct critical write failed", "src_ip", ev.SrcIP)
			}
			return
		}
		b.dropped.Add(1)
		return
	}
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

// Dropped returns how many events were shed past the hard cap.
func (b *Batcher) Dropped() uint64 {
	return b.dropped.Load()
}

// BatchSize returns the current adaptive batch size.
func (b *Batcher) BatchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchSize
}

// Pending returns how many events await the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush writes up to one batch and adapts the batch size to the
// remaining backlog.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := b.batchSize
	if n > len(b.pending) {
		n = len(b.pending)
	}
	batch := make([]DetectionEvent, n)
	copy(batch, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	backlog := len(b.pending)
	b.mu.Unlock()

	err := b.opts.Store.InsertBatch(batch)

	b.mu.Lock()
	if err != nil {
		// Requeue at the front; anything past the hard cap is shed.
		restored := append(batch, b.pending...)
		if len(restored) > b.opts.HardCap {
			b.dropped.Add(uint64(len(restored) - b.opts.HardCap))
			restored = restored[:b.opts.HardCap]
		}
		b.pending = restored
	} else if backlog > 0 {
		b.batchSize = b.batchSize / 2
		if b.batchSize < b.opts.MinBatch {
			b.batchSize = b.opts.MinBatch
		}
	} else {
		grow := b.batchSize / 4
		if grow == 0 {
			grow = 1
		}
		b.batchSize += grow
		if b.batchSize > b.opts.MaxBatch {
			b.batchSize = b.opts.MaxBatch
		}
	}
	b.mu.Unlock()

	if err != nil {
		b.opts.Logger.WithError(err).Warn("Detection batch write failed", "batch", len(batch))
	}
	return err
}

// Start launches the flush and retention loops.
func (b *Batcher) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = b.Flush()
			}
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := b.opts.Store.Cleanup(b.opts.Retention)
				if err != nil {
					b.opts.Logger.WithError(err).Warn("Retention cleanup failed")
				} else if n > 0 {
					b.opts.Logger.Debug("Retention cleanup", "removed", n)
				}
			}
		}
	}()
}

// Stop halts the loops and flushes whatever is still pending.
func (b *Batcher) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	for b.Pending() > 0 {
		if err := b.Flush(); err != nil {
			break
		}
	}
}
