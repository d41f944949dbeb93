// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the agent's Prometheus instrumentation. All
// metrics live on a private registry so tests can build as many
// instances as they like without collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	ParseFailures    *prometheus.CounterVec
	Intrusions       *prometheus.CounterVec
	BansApplied      *prometheus.CounterVec
	BansLifted       prometheus.Counter
	ScorerFallbacks  prometheus.Counter
	EventsDropped    prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	JobFailures      *prometheus.CounterVec
	ActiveBans       prometheus.Gauge
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampart_packets_processed_total",
			Help: "Total number of frames parsed and classified",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampart_packets_dropped_total",
			Help: "Total number of frames dropped on capture channel overflow",
		}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_parse_failures_total",
			Help: "Total number of frames the parser rejected",
		}, []string{"reason"}),
		Intrusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_intrusions_total",
			Help: "Total number of detected intrusions",
		}, []string{"attack_type"}),
		BansApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_bans_applied_total",
			Help: "Total number of bans applied, by enforcement method",
		}, []string{"method"}),
		BansLifted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampart_bans_lifted_total",
			Help: "Total number of bans lifted, expired or manual",
		}),
		ScorerFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampart_scorer_fallbacks_total",
			Help: "Total number of classifications that fell back to the rule engine",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampart_events_dropped_total",
			Help: "Total number of events dropped on emitter queue overflow",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rampart_queue_depth",
			Help: "Jobs waiting per priority lane",
		}, []string{"priority"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rampart_job_failures_total",
			Help: "Jobs that exhausted their retries, by job type",
		}, []string{"type"}),
		ActiveBans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampart_active_bans",
			Help: "Bans currently in force",
		}),
	}

	m.registry.MustRegister(
		m.PacketsProcessed, m.PacketsDropped, m.ParseFailures, m.Intrusions,
		m.BansApplied, m.BansLifted, m.ScorerFallbacks, m.EventsDropped,
		m.QueueDepth, m.JobFailures, m.ActiveBans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
