// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sentinel is the detection pipeline: it drains the capture
// source, parses and classifies every frame, and turns verdicts into
// queued work. The ingestion goroutine only parses, tracks, classifies
// and decides; enforcement, persistence, and notification all ride the
// job queue so a slow firewall or webhook can never stall capture.
package sentinel

import (
	"context"
	"time"

	"grimm.is/rampart/internal/alerting"
	"grimm.is/rampart/internal/analytics"
	"grimm.is/rampart/internal/capture"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/frame"
	"grimm.is/rampart/internal/freq"
	"grimm.is/rampart/internal/geo"
	"grimm.is/rampart/internal/ledger"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/netutil"
	"grimm.is/rampart/internal/queue"
	"grimm.is/rampart/internal/rdns"
	"grimm.is/rampart/internal/scorer"
	"grimm.is/rampart/internal/throttle"
)

// DefaultStatsInterval is how often gauges and drop counters are
// refreshed from their owners.
const DefaultStatsInterval = 5 * time.Second

// Options configure a Service. Source, Tracker, Throttle, Queue,
// Firewall, Ledger and Emitter are required; Scorer, Batcher, RDNS and
// Geo are optional enrichments and may be nil.
type Options struct {
	Source   capture.Source
	Parser   *frame.Parser
	Tracker  *freq.Tracker
	Throttle *throttle.Manager
	Queue    *queue.Queue
	Firewall *firewall.Adapter
	Ledger   *ledger.Ledger
	Emitter  *alerting.Emitter

	Scorer  *scorer.Client
	Batcher *analytics.Batcher
	RDNS    *rdns.Resolver
	Geo     *geo.Resolver

	Metrics  *metrics.Metrics
	Policies *config.PolicyStore
	Self     *netutil.HostAddrs

	StatsInterval time.Duration
	Clock         clock.Clock
	Logger        *logging.Logger
}

func (o *Options) fill() {
	if o.Parser == nil {
		o.Parser = frame.NewParser()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Policies == nil {
		o.Policies = config.NewPolicyStore(config.Default().Snapshot())
	}
	if o.Self == nil {
		o.Self = netutil.NewHostAddrs()
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Service wires the capture source to the rest of the agent. Construct
// with New, then Start.
type Service struct {
	opts   Options
	logger *logging.Logger

	lastDropped uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	opts.fill()
	switch {
	case opts.Source == nil:
		return nil, errors.New(errors.KindValidation, "sentinel requires a capture source")
	case opts.Tracker == nil, opts.Throttle == nil, opts.Queue == nil,
		opts.Firewall == nil, opts.Ledger == nil, opts.Emitter == nil:
		return nil, errors.New(errors.KindValidation, "sentinel is missing a pipeline component")
	}
	return &Service{
		opts:   opts,
		logger: opts.Logger.WithComponent("sentinel"),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the capture source and the ingestion loop. The loop
// exits when ctx is canceled, Stop is called, or the source closes its
// frame channel (pcap replay reaching end of file).
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.opts.Source.Start(ctx); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "start capture source")
	}

	go s.ingest(ctx)
	s.logger.Info("Detection pipeline started")
	return nil
}

// ingest is the single-consumer frame loop.
func (s *Service) ingest(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	frames := s.opts.Source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshStats()
		case f, ok := <-frames:
			if !ok {
				s.logger.Info("Capture source finished")
				return
			}
			s.process(ctx, f)
		}
	}
}

// refreshStats publishes source drops, queue depths, and the active
// ban count to the metric set.
func (s *Service) refreshStats() {
	m := s.opts.Metrics

	dropped := s.opts.Source.Dropped()
	if delta := dropped - s.lastDropped; delta > 0 {
		m.PacketsDropped.Add(float64(delta))
		s.lastDropped = dropped
	}

	for _, p := range []queue.Priority{queue.PriorityNormal, queue.PriorityHigh, queue.PriorityCritical} {
		m.QueueDepth.WithLabelValues(p.String()).Set(float64(s.opts.Queue.Depth(p)))
	}
	m.ActiveBans.Set(float64(len(s.opts.Ledger.ListActive(s.opts.Clock.Now()))))
}

// Status is a point-in-time view of the agent, served by the admin API.
type Status struct {
	Method          firewall.Method `json:"method"`
	ActiveBans      int             `json:"active_bans"`
	TrackedSources  int             `json:"tracked_sources"`
	FramesDropped   uint64          `json:"frames_dropped"`
	EventsDropped   uint64          `json:"events_dropped"`
	LedgerDegraded  bool            `json:"ledger_degraded"`
	ScorerAvailable bool            `json:"scorer_available"`
	Queue           queue.Stats     `json:"queue"`
}

// Status snapshots the pipeline's health counters.
func (s *Service) Status() Status {
	return Status{
		Method:          s.opts.Firewall.Method(),
		ActiveBans:      len(s.opts.Ledger.ListActive(s.opts.Clock.Now())),
		TrackedSources:  s.opts.Tracker.Sources(),
		FramesDropped:   s.opts.Source.Dropped(),
		EventsDropped:   s.opts.Emitter.Dropped(),
		LedgerDegraded:  s.opts.Ledger.Degraded(),
		ScorerAvailable: s.opts.Scorer.Available(),
		Queue:           s.opts.Queue.Stats(),
	}
}

// Wait blocks until the ingestion loop has exited, which happens on
// Stop or when a finite source (replay) runs dry.
func (s *Service) Wait() {
	<-s.done
}

// Stop halts capture and waits for the ingestion loop to drain.
func (s *Service) Stop() {
	s.opts.Source.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	s.logger.Info("Detection pipeline stopped")
}
