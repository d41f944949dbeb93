// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scorer consults an optional external classification service.
// The scorer is advisory only: on timeout, error, low confidence, or
// cooldown the caller falls back to the rule-based classifier, so a
// dead scorer can never blind the agent.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

const (
	DefaultTimeout         = 2 * time.Second
	DefaultFailureLimit    = 3
	DefaultCooldown        = 30 * time.Second
	DefaultConfidenceFloor = 0.5
)

// Features summarize one packet for the scoring service.
type Features struct {
	Protocol    string `json:"protocol"`
	PacketSize  int    `json:"packet_size"`
	Frequency   int    `json:"frequency"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	UniquePorts int    `json:"unique_ports"`
}

type request struct {
	PacketID string   `json:"packet_id"`
	Features Features `json:"features"`
}

type response struct {
	BinaryPrediction string `json:"binary_prediction"`
	AttackType       string `json:"attack_type"`
	Confidence       struct {
		Binary     float64 `json:"binary"`
		Multiclass float64 `json:"multiclass"`
	} `json:"confidence"`
}

// Score is the scorer's verdict on one packet.
type Score struct {
	Malicious  bool
	AttackType classify.AttackType
	Confidence float64
}

// Options configure a Client.
type Options struct {
	URL             string
	Timeout         time.Duration
	FailureLimit    int           // consecutive failures before cooldown
	Cooldown        time.Duration // how long to skip the scorer after tripping
	ConfidenceFloor float64       // below this multiclass confidence, fall back
	HTTPClient      *http.Client
	Clock           clock.Clock
	Logger          *logging.Logger
}

func (o *Options) fill() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FailureLimit <= 0 {
		o.FailureLimit = DefaultFailureLimit
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.ConfidenceFloor <= 0 {
		o.ConfidenceFloor = DefaultConfidenceFloor
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Client talks to the scoring service with a failure breaker. Safe for
// concurrent use.
type Client struct {
	opts Options

	mu       sync.Mutex
	failures int
	coolOff  time.Time // zero when the breaker is closed
}

// New builds a Client. An empty URL yields a nil client, which every
// method treats as "scorer not configured".
func New(opts Options) *Client {
	if opts.URL == "" {
		return nil
	}
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("scorer")
	return &Client{opts: opts}
}

// Available reports whether the scorer should be consulted right now.
func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coolOff.IsZero() || c.opts.Clock.Now().After(c.coolOff)
}

// Score asks the service for a verdict. Every failure path returns a
// KindDegraded error; the caller must treat that as "use the rules".
func (c *Client) Score(ctx context.Context, packetID string, f Features) (Score, error) {
	if c == nil {
		return Score{}, errors.New(errors.KindDegraded, "scorer not configured")
	}
	if !c.Available() {
		return Score{}, errors.New(errors.KindDegraded, "scorer cooling down")
	}

	body, err := json.Marshal(request{PacketID: packetID, Features: f})
	if err != nil {
		return Score{}, errors.Wrap(err, errors.KindDegraded, "encode scorer request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return Score{}, errors.Wrap(err, errors.KindDegraded, "build scorer request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return Score{}, c.fail(errors.Wrap(err, errors.KindDegraded, "scorer call failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Score{}, c.fail(errors.Errorf(errors.KindDegraded, "scorer returned HTTP %d", resp.StatusCode))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Score{}, c.fail(errors.Wrap(err, errors.KindDegraded, "decode scorer response"))
	}
	c.succeed()

	if out.Confidence.Multiclass < c.opts.ConfidenceFloor {
		return Score{}, errors.Errorf(errors.KindDegraded,
			"scorer confidence %.2f below floor %.2f", out.Confidence.Multiclass, c.opts.ConfidenceFloor)
	}

	return Score{
		Malicious:  out.BinaryPrediction == "malicious",
		AttackType: classify.AttackType(out.AttackType),
		Confidence: out.Confidence.Multiclass,
	}, nil
}

// fail counts a consecutive failure and opens the breaker at the limit.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.opts.FailureLimit {
		now := c.opts.Clock.Now()
		if c.coolOff.IsZero() || now.After(c.coolOff) {
			c.opts.Logger.Warn("Scorer unhealthy, skipping it for a while",
				"failures", c.failures, "cooldown", c.opts.Cooldown.String())
		}
		c.coolOff = now.Add(c.opts.Cooldown)
	}
	return err
}

func (c *Client) succeed() {
	c.mu.Lock()
	if !c.coolOff.IsZero() {
		c.opts.Logger.Info("Scorer recovered")
	}
	c.failures = 0
	c.coolOff = time.Time{}
	c.mu.Unlock()
}

// String implements fmt.Stringer for debug logs.
func (c *Client) String() string {
	if c == nil {
		return "scorer(disabled)"
	}
	return fmt.Sprintf("scorer(%s)", c.opts.URL)
}
