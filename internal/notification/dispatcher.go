// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification fans operator-facing alerts out to configured
// channels. Delivery is best-effort and rate-limited per channel and
// title so a detection storm produces one notification per minute,
// not one per packet.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"

	// DefaultRateFloor is the minimum interval between notifications
	// with the same title on the same channel.
	DefaultRateFloor = 60 * time.Second
)

// Notification is one operator-facing message.
type Notification struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Channel is one configured delivery target.
type Channel struct {
	Name    string
	Type    string // "webhook" or "email"
	Enabled bool
	// MinLevel filters out notifications below it; empty accepts all.
	MinLevel string

	// webhook
	WebhookURL string
	Headers    map[string]string

	// email
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string
	To           []string
}

// Config holds the dispatcher's channel set.
type Config struct {
	Enabled  bool
	Channels []Channel
}

// Options configure a Dispatcher.
type Options struct {
	Config    *Config
	RateFloor time.Duration
	Clock     clock.Clock
	Logger    *logging.Logger
}

func (o *Options) fill() {
	if o.RateFloor <= 0 {
		o.RateFloor = DefaultRateFloor
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Dispatcher sends notifications to every enabled, level-matching
// channel that is not inside its rate floor.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      *Config
	lastSent map[string]time.Time

	opts       Options
	httpClient *http.Client

	// injectable for tests
	emailSender func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("notification")
	return &Dispatcher{
		cfg:         opts.Config,
		lastSent:    make(map[string]time.Time),
		opts:        opts,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		emailSender: smtp.SendMail,
	}
}

// UpdateConfig swaps the channel set on hot reload.
func (d *Dispatcher) UpdateConfig(cfg *Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Send dispatches a notification to all matching channels and waits
// for delivery attempts to finish. Failures are logged, never
// returned: the pipeline does not care whether the operator's webhook
// is up.
func (d *Dispatcher) Send(n Notification) {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	if cfg == nil || !cfg.Enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.opts.Clock.Now()
	}

	var wg sync.WaitGroup
	for _, ch := range cfg.Channels {
		if !ch.Enabled || !levelAtLeast(n.Level, ch.MinLevel) {
			continue
		}
		if d.rateLimited(ch.Name, n.Title) {
			d.opts.Logger.Debug("Notification rate limited", "channel", ch.Name, "title", n.Title)
			continue
		}

		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := d.deliver(ch, n); err != nil {
				d.opts.Logger.WithError(err).Warn("Notification delivery failed",
					"channel", ch.Name, "type", ch.Type)
			}
		}(ch)
	}
	wg.Wait()
}

// SendSimple is a helper for plain title/message notifications.
func (d *Dispatcher) SendSimple(title, message, level string) {
	d.Send(Notification{Title: title, Message: message, Level: level})
}

// rateLimited reports whether the channel/title pair fired inside the
// floor, recording the send time when it did not.
func (d *Dispatcher) rateLimited(channel, title string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := channel + ":" + title
	now := d.opts.Clock.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.opts.RateFloor {
		return true
	}
	d.lastSent[key] = now

	// Bound the map under adversarial title churn.
	if len(d.lastSent) > 1000 {
		for k, last := range d.lastSent {
			if now.Sub(last) >= d.opts.RateFloor {
				delete(d.lastSent, k)
			}
		}
	}
	return false
}

func levelAtLeast(msgLevel, minLevel string) bool {
	if minLevel == "" {
		return true
	}
	ranks := map[string]int{LevelInfo: 1, LevelWarning: 2, LevelCritical: 3}
	return ranks[strings.ToLower(msgLevel)] >= ranks[strings.ToLower(minLevel)]
}

func (d *Dispatcher) deliver(ch Channel, n Notification) error {
	switch strings.ToLower(ch.Type) {
	case "webhook":
		return d.sendWebhook(ch, n)
	case "email":
		return d.sendEmail(ch, n)
	default:
		return errors.Errorf(errors.KindValidation, "unknown channel type %q", ch.Type)
	}
}

func (d *Dispatcher) sendWebhook(ch Channel, n Notification) error {
	if ch.WebhookURL == "" {
		return errors.New(errors.KindValidation, "webhook channel has no url")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, ch.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Errorf(errors.KindUnavailable, "webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendEmail(ch Channel, n Notification) error {
	if ch.SMTPHost == "" || len(ch.To) == 0 {
		return errors.New(errors.KindValidation, "email channel missing smtp_host or recipients")
	}

	port := ch.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", ch.SMTPHost, port)

	var auth smtp.Auth
	if ch.SMTPUser != "" {
		auth = smtp.PlainAuth("", ch.SMTPUser, ch.SMTPPassword, ch.SMTPHost)
	}

	from := ch.From
	if from == "" {
		from = "rampart@localhost"
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(ch.To, ","))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", n.Level, n.Title)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n")

	return d.emailSender(addr, auth, from, ch.To, msg.Bytes())
}
