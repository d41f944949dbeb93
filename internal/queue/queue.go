// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queue is the agent's deferred-work spine: three strict
// priority lanes feeding a fixed worker pool. Enforcement jobs ride
// the critical lane and overtake everything else; notification and
// bookkeeping ride behind. Dedup keys make enqueue idempotent, which
// is the primary defense against double-banning one IP during a
// packet storm.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/logging"
)

// Priority selects a lane. Higher runs first, strictly.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Type labels what a job does, for logs and metrics.
type Type string

const (
	TypeBlockIP         Type = "block-ip"
	TypeUnblockIP       Type = "unblock-ip"
	TypeNotify          Type = "notify"
	TypeLog             Type = "log"
	TypeDashboardUpdate Type = "dashboard-update"
)

// Handler executes a job. Returning an error schedules a retry until
// MaxRetries is exhausted.
type Handler func(ctx context.Context, job *Job) error

// Job is one unit of deferred work.
type Job struct {
	ID         string
	Type       Type
	Priority   Priority
	Payload    any
	Handler    Handler
	Attempts   int
	MaxRetries int
	CreatedAt  time.Time
	DedupKey   string
}

const (
	DefaultWorkers    = 5
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 30 * time.Second

	// failureLogInterval samples exhausted-job logs per type so a
	// sustained attack cannot flood the log.
	failureLogInterval = 10 * time.Second
)

// Options configure a Queue.
type Options struct {
	Workers    int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Clock      clock.Clock
	Logger     *logging.Logger
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Queued    [3]int // indexed by Priority
	Running   int
	Completed uint64
	Failed    uint64
	Retried   uint64
}

// Queue is the multi-priority work queue. Construct with New, then
// Start. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	lanes   [3][]*Job
	dedup   map[string]string // dedup key -> job id, queued or running
	running int
	stopped bool

	completed uint64
	failed    uint64
	retried   uint64

	lastFailLog map[Type]time.Time

	notify chan struct{}
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Queue.
func New(opts Options) *Queue {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("queue")
	return &Queue{
		dedup:       make(map[string]string),
		lastFailLog: make(map[Type]time.Time),
		notify:      make(chan struct{}, 1),
		opts:        opts,
	}
}

// Enqueue adds a job. If the job carries a dedup key matching a
// queued or in-flight job, no new job is created and the existing
// job's ID is returned with deduped=true. Critical jobs wake the
// worker pool immediately.
func (q *Queue) Enqueue(job *Job) (id string, deduped bool) {
	q.mu.Lock()

	if q.stopped {
		q.mu.Unlock()
		return "", false
	}

	if job.DedupKey != "" {
		if existing, ok := q.dedup[job.DedupKey]; ok {
			q.mu.Unlock()
			return existing, true
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.opts.Clock.Now()
	}
	if job.Priority < PriorityNormal || job.Priority > PriorityCritical {
		job.Priority = PriorityNormal
	}

	q.lanes[job.Priority] = append(q.lanes[job.Priority], job)
	if job.DedupKey != "" {
		q.dedup[job.DedupKey] = job.ID
	}
	q.mu.Unlock()

	q.kick()
	return job.ID, false
}

// kick wakes one idle worker for an immediate scheduling pass.
func (q *Queue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the highest-priority queued job, or nil.
func (q *Queue) dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for lane := PriorityCritical; lane >= PriorityNormal; lane-- {
		if n := len(q.lanes[lane]); n > 0 {
			job := q.lanes[lane][0]
			q.lanes[lane] = q.lanes[lane][1:]
			q.running++
			return job
		}
	}
	return nil
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.opts.Logger.Info("Job queue started", "workers", q.opts.Workers)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		job := q.dequeue()
		if job == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.run(job)

		// Another job may be waiting behind this one.
		q.kick()

		select {
		case <-q.ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) run(job *Job) {
	err := q.invoke(job)

	q.mu.Lock()
	q.running--
	if err == nil {
		q.completed++
		if job.DedupKey != "" {
			delete(q.dedup, job.DedupKey)
		}
		q.mu.Unlock()
		return
	}

	job.Attempts++
	if job.Attempts > job.MaxRetries {
		q.failed++
		if job.DedupKey != "" {
			delete(q.dedup, job.DedupKey)
		}
		shouldLog := q.sampleFailureLocked(job.Type)
		q.mu.Unlock()
		if shouldLog {
			q.opts.Logger.WithError(err).Error("Job failed permanently",
				"job_id", job.ID, "type", string(job.Type), "attempts", job.Attempts)
		}
		return
	}

	q.retried++
	q.mu.Unlock()

	delay := q.backoff(job.Attempts)
	q.opts.Logger.Debug("Retrying job", "job_id", job.ID, "type", string(job.Type),
		"attempt", job.Attempts, "delay", delay.String())
	time.AfterFunc(delay, func() { q.requeue(job) })
}

// invoke runs the handler, converting a panic into an error so one
// bad handler cannot take down a worker.
func (q *Queue) invoke(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			q.opts.Logger.Error("Job handler panicked", "job_id", job.ID, "type", string(job.Type), "panic", r)
		}
	}()
	if job.Handler == nil {
		return nil
	}
	return job.Handler(q.ctx, job)
}

// requeue puts a retry back on its lane. The dedup entry never left,
// so duplicate enqueues during the backoff window still collapse.
func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.lanes[job.Priority] = append(q.lanes[job.Priority], job)
	q.mu.Unlock()
	q.kick()
}

// backoff doubles the base delay per attempt, capped at MaxDelay.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxDelay {
			return q.opts.MaxDelay
		}
	}
	if d > q.opts.MaxDelay {
		d = q.opts.MaxDelay
	}
	return d
}

// sampleFailureLocked decides whether this failure should be logged.
// Callers hold q.mu.
func (q *Queue) sampleFailureLocked(t Type) bool {
	now := q.opts.Clock.Now()
	if last, ok := q.lastFailLog[t]; ok && now.Sub(last) < failureLogInterval {
		return false
	}
	q.lastFailLog[t] = now
	return true
}

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Running:   q.running,
		Completed: q.completed,
		Failed:    q.failed,
		Retried:   q.retried,
	}
	for lane := range q.lanes {
		s.Queued[lane] = len(q.lanes[lane])
	}
	return s
}

// Depth returns the number of queued jobs in one lane.
func (q *Queue) Depth(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p < PriorityNormal || p > PriorityCritical {
		return 0
	}
	return len(q.lanes[p])
}

// Stop halts intake, cancels workers, and waits for them to exit.
// Queued jobs are abandoned; retries scheduled after Stop are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "job handler panic" }
