// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api is the agent's admin surface: a small authenticated
// HTTP/JSON server for status, ban management, policy tuning, and a
// WebSocket stream of live events. It binds to loopback by default and
// authenticates with a static bearer token.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/rampart/internal/alerting"
	"grimm.is/rampart/internal/analytics"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/ledger"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/sentinel"
)

// Timeouts bound every request the server handles.
type Timeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		ReadHeader: 10 * time.Second,
		Read:       15 * time.Second,
		Write:      30 * time.Second,
		Idle:       60 * time.Second,
	}
}

// Options configure a Server.
type Options struct {
	Listen    string
	AuthToken string

	Sentinel  *sentinel.Service
	Ledger    *ledger.Ledger
	Emitter   *alerting.Emitter
	Analytics *analytics.Store // optional, detection history endpoints
	Policies  *config.PolicyStore
	Metrics   *metrics.Metrics

	Timeouts Timeouts
	Clock    clock.Clock
	Logger   *logging.Logger
}

func (o *Options) fill() {
	if o.Listen == "" {
		o.Listen = "127.0.0.1:8787"
	}
	if o.Timeouts == (Timeouts{}) {
		o.Timeouts = defaultTimeouts()
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Server is the admin API. Construct with NewServer, then Start.
type Server struct {
	opts   Options
	logger *logging.Logger
	router *mux.Router
	hub    *Hub

	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the server and registers its routes. The WebSocket
// hub is attached to the emitter as a sink, so events stream to
// connected clients without polling.
func NewServer(opts Options) (*Server, error) {
	opts.fill()
	switch {
	case opts.Sentinel == nil, opts.Ledger == nil, opts.Emitter == nil,
		opts.Policies == nil, opts.Metrics == nil:
		return nil, errors.New(errors.KindValidation, "api server is missing a dependency")
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.WithComponent("api"),
		router: mux.NewRouter(),
		hub:    NewHub(opts.Logger),
	}
	s.routes()
	opts.Emitter.AddSink(alerting.FuncSink{SinkName: "websocket", Fn: s.hub.Broadcast})
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/bans", s.handleBans).Methods("GET")
	api.HandleFunc("/bans/{ip}/unban", s.handleUnban).Methods("POST")
	api.HandleFunc("/policy", s.handleGetPolicy).Methods("GET")
	api.HandleFunc("/policy", s.handlePutPolicy).Methods("PUT")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/events/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/detections", s.handleDetections).Methods("GET")
	api.HandleFunc("/offenders", s.handleOffenders).Methods("GET")
}

// auth enforces the bearer token on every /api route. An empty
// configured token disables authentication; the default loopback bind
// is then the only protection.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// WebSocket clients cannot set headers from browsers.
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. It returns once the listener is running.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = s.opts.Clock.Now()
	s.hub.Start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.Timeouts.ReadHeader,
		ReadTimeout:       s.opts.Timeouts.Read,
		WriteTimeout:      s.opts.Timeouts.Write,
		IdleTimeout:       s.opts.Timeouts.Idle,
	}

	go func() {
		s.logger.Info("Admin API listening", "addr", s.opts.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Admin API server failed")
		}
	}()
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
