// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"grimm.is/rampart/internal/logging"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger.WithComponent("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventIntrusionDetected:
		s.logger.Warn("Intrusion detected",
			"ip", ev.IP, "attack_type", string(ev.AttackType), "severity", string(ev.Severity),
			"confidence", ev.Confidence, "auto_blocked", ev.AutoBlocked)
	case EventIPBlocked:
		s.logger.Warn("IP blocked", "ip", ev.IP, "reason", ev.Reason, "method", ev.Method)
	case EventBanLifted:
		s.logger.Info("Ban lifted", "ip", ev.IP)
	default:
		s.logger.Info("Event", "type", string(ev.Type), "ip", ev.IP)
	}
}

// WebhookSink POSTs each event as JSON to a configured URL. Failures
// are logged at debug level only: the webhook is a convenience tap,
// not a delivery guarantee.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *logging.Logger
}

// NewWebhookSink builds a WebhookSink.
func NewWebhookSink(url string, headers map[string]string, logger *logging.Logger) *WebhookSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookSink{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.WithComponent("webhook"),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.WithError(err).Debug("Webhook delivery failed", "event", ev.ID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.logger.Debug("Webhook returned error status", "event", ev.ID, "status", resp.StatusCode)
	}
}

// FuncSink adapts a function into a Sink; used to attach the WebSocket
// hub and the notification dispatcher without import cycles.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, ev Event)
}

func (s FuncSink) Name() string { return s.SinkName }

func (s FuncSink) Deliver(ctx context.Context, ev Event) { s.Fn(ctx, ev) }
