// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"sync/atomic"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/notification"
)

// Policy is the immutable runtime view of the detection policy. The
// pipeline reads it on every decision, so it is published through a
// PolicyStore rather than a lock.
type Policy struct {
	Window              time.Duration
	Threshold           int
	BanDuration         time.Duration
	UseFirewall         bool
	AutoBlockConfidence float64
	Thresholds          classify.Thresholds
}

// PolicyStore is an atomically swapped policy snapshot.
type PolicyStore struct {
	p atomic.Pointer[Policy]
}

// NewPolicyStore builds a store holding the initial policy.
func NewPolicyStore(p Policy) *PolicyStore {
	s := &PolicyStore{}
	s.p.Store(&p)
	return s
}

// Load returns the current policy.
func (s *PolicyStore) Load() Policy {
	return *s.p.Load()
}

// Swap publishes a new policy. Readers mid-decision keep the old one.
func (s *PolicyStore) Swap(p Policy) {
	s.p.Store(&p)
}

// NotificationConfig converts the notifications block for the
// dispatcher.
func (c *Config) NotificationConfig() *notification.Config {
	out := &notification.Config{Enabled: c.Notifications.Enabled}
	for _, ch := range c.Notifications.Channels {
		out.Channels = append(out.Channels, notification.Channel{
			Name:         ch.Name,
			Type:         ch.Type,
			Enabled:      ch.Enabled,
			MinLevel:     ch.MinLevel,
			WebhookURL:   ch.WebhookURL,
			Headers:      ch.Headers,
			SMTPHost:     ch.SMTPHost,
			SMTPPort:     ch.SMTPPort,
			SMTPUser:     ch.SMTPUser,
			SMTPPassword: string(ch.SMTPPassword),
			From:         ch.From,
			To:           ch.To,
		})
	}
	return out
}
