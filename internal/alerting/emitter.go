// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting publishes the agent's structured events to every
// registered sink: the log, the WebSocket hub, webhooks, the operator
// notification dispatcher. Emission never blocks the pipeline; when
// the queue overflows, events are dropped and counted, and the drop is
// logged at most once per interval so a packet storm cannot flood the
// log through its own alerts.
package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/logging"
)

const (
	DefaultQueueCapacity = 256
	DefaultMaxHistory    = 1000

	dropLogInterval = 10 * time.Second
)

// Sink receives events. Delivery is serialized per emitter; slow sinks
// delay other sinks, not the pipeline.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event)
}

// Options configure an Emitter.
type Options struct {
	QueueCapacity int
	MaxHistory    int
	Clock         clock.Clock
	Logger        *logging.Logger
}

func (o *Options) fill() {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Emitter fans events out to sinks and keeps a bounded history ring
// for the admin API.
type Emitter struct {
	mu      sync.RWMutex
	sinks   []Sink
	history []Event

	events  chan Event
	dropped atomic.Uint64
	lastDropLog time.Time

	opts Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEmitter builds an Emitter. Register sinks before Start.
func NewEmitter(opts Options) *Emitter {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("alerting")
	return &Emitter{
		history: make([]Event, 0, opts.MaxHistory),
		events:  make(chan Event, opts.QueueCapacity),
		opts:    opts,
	}
}

// AddSink registers a delivery target.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Emit queues an event for delivery. Never blocks: on overflow the
// event is dropped and counted.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
		e.sampleDropLog()
	}
}

func (e *Emitter) sampleDropLog() {
	now := e.opts.Clock.Now()
	e.mu.Lock()
	if now.Sub(e.lastDropLog) < dropLogInterval {
		e.mu.Unlock()
		return
	}
	e.lastDropLog = now
	total := e.dropped.Load()
	e.mu.Unlock()
	e.opts.Logger.Warn("Event queue full, dropping events", "dropped_total", total)
}

// Dropped returns how many events overflowed the queue.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// History returns a copy of the most recent events, newest last.
func (e *Emitter) History() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}

// Start launches the delivery loop.
func (e *Emitter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.events:
				e.deliver(ctx, ev)
			}
		}
	}()
}

func (e *Emitter) deliver(ctx context.Context, ev Event) {
	e.mu.Lock()
	e.history = append(e.history, ev)
	if len(e.history) > e.opts.MaxHistory {
		e.history = e.history[1:]
	}
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	for _, s := range sinks {
		s.Deliver(ctx, ev)
	}
}

// Stop drains nothing: queued but undelivered events are abandoned,
// which is the documented best-effort contract.
func (e *Emitter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}
