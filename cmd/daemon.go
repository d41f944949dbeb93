// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the rampart CLI verbs. The daemon verbs wire
// the full pipeline; the client verbs talk to a running agent over the
// admin API.
package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/rampart/internal/alerting"
	"grimm.is/rampart/internal/analytics"
	"grimm.is/rampart/internal/api"
	"grimm.is/rampart/internal/capture"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/freq"
	"grimm.is/rampart/internal/geo"
	"grimm.is/rampart/internal/ledger"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/netutil"
	"grimm.is/rampart/internal/notification"
	"grimm.is/rampart/internal/queue"
	"grimm.is/rampart/internal/rdns"
	"grimm.is/rampart/internal/scorer"
	"grimm.is/rampart/internal/sentinel"
	"grimm.is/rampart/internal/state"
	"grimm.is/rampart/internal/throttle"
)

// agent owns every component of a running rampart instance in start
// order; Stop tears them down in reverse.
type agent struct {
	cfg      *config.Config
	logger   *logging.Logger
	policies *config.PolicyStore

	store      *state.SQLiteStore
	detections *analytics.Store
	batcher    *analytics.Batcher
	tracker    *freq.Tracker
	throttle   *throttle.Manager
	queue      *queue.Queue
	ledger     *ledger.Ledger
	firewall   *firewall.Adapter
	emitter    *alerting.Emitter
	dispatcher *notification.Dispatcher
	geo        *geo.Resolver
	source     capture.Source
	service    *sentinel.Service
	server     *api.Server
	watcher    *config.Watcher
	metrics    *metrics.Metrics

	cancel context.CancelFunc
}

// buildAgent assembles the pipeline. src overrides the live capture
// source (replay); enforce=false swaps the firewall backend for the
// recording stub.
func buildAgent(cfg *config.Config, logger *logging.Logger, src capture.Source, enforce bool) (*agent, error) {
	a := &agent{
		cfg:      cfg,
		logger:   logger,
		policies: config.NewPolicyStore(cfg.Snapshot()),
		metrics:  metrics.New(),
	}

	self := netutil.NewHostAddrs()

	var fwOpts firewall.Options
	fwOpts.Self = self
	fwOpts.Logger = logger
	if !enforce {
		fwOpts.Backend = firewall.NewNoopBackend()
		fwOpts.Flusher = nopFlusher{}
	}
	a.firewall = firewall.NewAdapter(fwOpts)

	if dir := cfg.Storage.StateDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.KindUnavailable, "create state dir %s", dir)
		}
		store, err := state.Open(filepath.Join(dir, "rampart.db"))
		if err != nil {
			logger.WithError(err).Warn("State store unavailable, bans will not survive restart")
		} else {
			a.store = store
		}
		detections, err := analytics.Open(filepath.Join(dir, "detections.db"))
		if err != nil {
			logger.WithError(err).Warn("Detection history unavailable")
		} else {
			a.detections = detections
			a.batcher = analytics.NewBatcher(analytics.BatcherOptions{
				Store:     detections,
				Retention: cfg.Storage.EventRetention(),
				Logger:    logger,
			})
		}
	}

	var ledgerStore state.Store
	if a.store != nil {
		ledgerStore = a.store
	}
	a.ledger = ledger.New(ledger.Options{
		Store:  ledgerStore,
		Logger: logger,
		OnExpired: func(rec ledger.TempBanRecord) {
			if a.service != nil {
				a.service.HandleBanExpiry(rec)
			}
		},
	})

	a.tracker = freq.NewTracker(freq.Options{Logger: logger})
	a.throttle = throttle.NewManager(throttle.Options{IsBanned: a.ledger.IsBanned, Logger: logger})
	a.queue = queue.New(queue.Options{Logger: logger})
	a.emitter = alerting.NewEmitter(alerting.Options{Logger: logger})
	a.emitter.AddSink(alerting.NewLogSink(logger))

	if nc := cfg.NotificationConfig(); nc.Enabled {
		a.dispatcher = notification.NewDispatcher(notification.Options{Config: nc, Logger: logger})
		a.emitter.AddSink(alerting.FuncSink{SinkName: "notifier", Fn: func(ctx context.Context, ev alerting.Event) {
			a.dispatcher.Send(notificationFor(ev))
		}})
	}

	var resolver *rdns.Resolver
	if cfg.Agent.ReverseDNS {
		resolver = rdns.New(rdns.Options{Logger: logger})
	}
	geoDB, err := geo.Open(cfg.Agent.GeoIPDB, logger)
	if err != nil {
		logger.WithError(err).Warn("GeoIP enrichment disabled")
		geoDB = nil
	}
	a.geo = geoDB

	a.source = src
	if a.source == nil {
		live, err := capture.NewLiveSource(capture.LiveOptions{
			Interface:   cfg.Agent.Interface,
			Promiscuous: cfg.Agent.Promiscuous,
			Capacity:    cfg.Agent.ChannelCapacity,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		a.source = live
	}

	a.service, err = sentinel.New(sentinel.Options{
		Source:   a.source,
		Tracker:  a.tracker,
		Throttle: a.throttle,
		Queue:    a.queue,
		Firewall: a.firewall,
		Ledger:   a.ledger,
		Emitter:  a.emitter,
		Scorer: scorer.New(scorer.Options{
			URL:             cfg.Scorer.URL,
			Timeout:         cfg.Scorer.Timeout(),
			FailureLimit:    cfg.Scorer.FailureLimit,
			Cooldown:        cfg.Scorer.Cooldown(),
			ConfidenceFloor: cfg.Scorer.ConfidenceFloor,
			Logger:          logger,
		}),
		Batcher:  a.batcher,
		RDNS:     resolver,
		Geo:      a.geo,
		Metrics:  a.metrics,
		Policies: a.policies,
		Self:     self,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.API.Enabled {
		a.server, err = api.NewServer(api.Options{
			Listen:    cfg.API.Listen,
			AuthToken: string(cfg.API.AuthToken),
			Sentinel:  a.service,
			Ledger:    a.ledger,
			Emitter:   a.emitter,
			Analytics: a.detections,
			Policies:  a.policies,
			Metrics:   a.metrics,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

type nopFlusher struct{}

func (nopFlusher) Flush(ctx context.Context, ip net.IP) error { return nil }

// notificationFor maps a pipeline event onto an operator notification.
func notificationFor(ev alerting.Event) notification.Notification {
	n := notification.Notification{
		Timestamp: ev.Timestamp,
		Data: map[string]any{
			"ip":       ev.IP,
			"event_id": ev.ID,
		},
	}
	switch ev.Type {
	case alerting.EventIntrusionDetected:
		n.Title = fmt.Sprintf("Intrusion detected: %s", ev.IP)
		n.Message = fmt.Sprintf("%s traffic from %s (confidence %.2f)", ev.AttackType, ev.IP, ev.Confidence)
		n.Level = notification.LevelWarning
		if ev.Severity == "critical" {
			n.Level = notification.LevelCritical
		}
		n.Data["attack_type"] = string(ev.AttackType)
	case alerting.EventIPBlocked:
		n.Title = fmt.Sprintf("Blocked %s", ev.IP)
		n.Message = ev.Reason
		n.Level = notification.LevelCritical
	case alerting.EventBanLifted:
		n.Title = fmt.Sprintf("Ban lifted for %s", ev.IP)
		n.Message = "The temporary ban expired or was removed."
		n.Level = notification.LevelInfo
	}
	return n
}

// start brings every component up in dependency order.
func (a *agent) start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.firewall.Setup(ctx); err != nil {
		if a.cfg.Policy.Enforce() {
			return err
		}
		a.logger.WithError(err).Warn("Firewall setup failed, continuing without enforcement")
	}

	a.tracker.Start(ctx)
	a.throttle.Start(ctx)
	a.queue.Start(ctx)
	a.emitter.Start(ctx)
	a.ledger.Start(ctx)
	if a.batcher != nil {
		a.batcher.Start(ctx)
	}
	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	}
	return a.service.Start(ctx)
}

// stop tears the agent down, flushing what can be flushed.
func (a *agent) stop() {
	a.service.Stop()
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.server.Stop(shutdownCtx)
		cancel()
	}
	if a.batcher != nil {
		a.batcher.Stop()
	}
	a.ledger.Stop()
	a.emitter.Stop()
	a.queue.Stop()
	a.throttle.Stop()
	a.tracker.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.firewall.Close()
	if a.geo != nil {
		a.geo.Close()
	}
	if a.detections != nil {
		a.detections.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// RunAgent runs the daemon in the foreground until a signal arrives.
// This is the verb the detached start process re-executes.
func RunAgent(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, closeLog, err := openLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := writePIDFile(cfg.Agent.PIDFile); err != nil {
		return err
	}
	defer os.Remove(cfg.Agent.PIDFile)

	a, err := buildAgent(cfg, logger, nil, cfg.Policy.Enforce())
	if err != nil {
		return err
	}

	if configFile != "" {
		watcher := config.NewWatcher(configFile, cfg, logger)
		watcher.OnReload(func(next *config.Config) {
			a.policies.Swap(next.Snapshot())
			if a.dispatcher != nil {
				a.dispatcher.UpdateConfig(next.NotificationConfig())
			}
		})
		if err := watcher.Start(); err != nil {
			logger.WithError(err).Warn("Config watcher unavailable, hot reload disabled")
		}
		a.watcher = watcher
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}
	logger.Info("Agent running", "interface", cfg.Agent.Interface, "enforcement", a.firewall.Method())

	<-ctx.Done()
	logger.Info("Shutting down")
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.stop()
	return nil
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

// openLogger builds the daemon logger, sending output to the
// configured log file when one is set.
func openLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	lc := cfg.LoggerConfig()
	closeLog := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, errors.KindUnavailable, "open log file %s", cfg.Logging.File)
		}
		lc.Output = f
		closeLog = func() { f.Close() }
	}
	return logging.New(lc), closeLog, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "create run dir for %s", path)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}
