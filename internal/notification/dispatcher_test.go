// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/testutil"
)

func webhookConfig(url string, minLevel string) *Config {
	return &Config{
		Enabled: true,
		Channels: []Channel{
			{Name: "hook", Type: "webhook", Enabled: true, MinLevel: minLevel, WebhookURL: url},
		},
	}
}

func TestWebhookDelivery(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
	}))
	defer srv.Close()

	logger, _ := testutil.Logger()
	d := NewDispatcher(Options{Config: webhookConfig(srv.URL, ""), Logger: logger})
	d.SendSimple("Intrusion detected", "dos attack from 203.0.113.7", LevelCritical)

	if got := called.Load(); got != 1 {
		t.Fatalf("webhook called %d times, want 1", got)
	}
}

func TestRateFloorSuppressesDuplicates(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer srv.Close()

	logger, _ := testutil.Logger()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher(Options{Config: webhookConfig(srv.URL, ""), Clock: clk, Logger: logger})

	d.SendSimple("Intrusion detected", "first", LevelWarning)
	d.SendSimple("Intrusion detected", "suppressed", LevelWarning)
	if got := called.Load(); got != 1 {
		t.Fatalf("webhook called %d times inside the floor, want 1", got)
	}

	// A different title is not the same key.
	d.SendSimple("IP blocked", "other", LevelWarning)
	if got := called.Load(); got != 2 {
		t.Fatalf("webhook called %d times, want 2", got)
	}

	clk.Advance(61 * time.Second)
	d.SendSimple("Intrusion detected", "after floor", LevelWarning)
	if got := called.Load(); got != 3 {
		t.Fatalf("webhook called %d times after the floor, want 3", got)
	}
}

func TestMinLevelFilter(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer srv.Close()

	logger, _ := testutil.Logger()
	d := NewDispatcher(Options{Config: webhookConfig(srv.URL, LevelCritical), Logger: logger})

	d.SendSimple("Noise", "ignored", LevelInfo)
	d.SendSimple("Noise", "ignored", LevelWarning)
	if got := called.Load(); got != 0 {
		t.Fatalf("webhook called %d times below min level, want 0", got)
	}

	d.SendSimple("Fire", "delivered", LevelCritical)
	if got := called.Load(); got != 1 {
		t.Fatalf("webhook called %d times, want 1", got)
	}
}

func TestDisabledConfigSendsNothing(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer srv.Close()

	logger, _ := testutil.Logger()
	cfg := webhookConfig(srv.URL, "")
	cfg.Enabled = false
	d := NewDispatcher(Options{Config: cfg, Logger: logger})

	d.SendSimple("Intrusion detected", "ignored", LevelCritical)
	if got := called.Load(); got != 0 {
		t.Fatalf("webhook called %d times with notifications disabled, want 0", got)
	}
}

func TestEmailDelivery(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	logger, _ := testutil.Logger()
	d := NewDispatcher(Options{
		Config: &Config{
			Enabled: true,
			Channels: []Channel{{
				Name: "ops", Type: "email", Enabled: true,
				SMTPHost: "mail.example.com", SMTPPort: 25,
				From: "rampart@example.com", To: []string{"ops@example.com"},
			}},
		},
		Logger: logger,
	})
	d.emailSender = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	d.SendSimple("Intrusion detected", "dos attack from 203.0.113.7", LevelCritical)

	if gotAddr != "mail.example.com:25" {
		t.Fatalf("smtp addr = %q", gotAddr)
	}
	if gotFrom != "rampart@example.com" || len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Fatalf("from/to = %q/%v", gotFrom, gotTo)
	}
	body := string(gotMsg)
	if !strings.Contains(body, "Subject: [critical] Intrusion detected") {
		t.Fatalf("message missing subject: %q", body)
	}
	if !strings.Contains(body, "dos attack from 203.0.113.7") {
		t.Fatalf("message missing body: %q", body)
	}
}
