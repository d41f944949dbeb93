// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"time"

	"github.com/google/uuid"

	"grimm.is/rampart/internal/classify"
)

// Type identifies what happened.
type Type string

const (
	EventIntrusionDetected Type = "intrusion-detected"
	EventIPBlocked         Type = "ip-blocked"
	EventBanLifted         Type = "ban-lifted"
)

// Event is one structured occurrence published to subscribers.
// Delivery is fire-and-forget; consumers must tolerate gaps.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`

	// intrusion-detected
	AttackType  classify.AttackType `json:"attack_type,omitempty"`
	Severity    classify.Severity   `json:"severity,omitempty"`
	Confidence  float64             `json:"confidence,omitempty"`
	AutoBlocked bool                `json:"auto_blocked,omitempty"`

	// ip-blocked
	Reason string `json:"reason,omitempty"`
	Method string `json:"method,omitempty"`

	// Best-effort enrichment, empty when unresolved.
	Hostname string `json:"hostname,omitempty"`
	Country  string `json:"country,omitempty"`
}

// NewIntrusionDetected builds an intrusion-detected event.
func NewIntrusionDetected(ip string, attack classify.AttackType, severity classify.Severity, confidence float64, autoBlocked bool, ts time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        EventIntrusionDetected,
		Timestamp:   ts,
		IP:          ip,
		AttackType:  attack,
		Severity:    severity,
		Confidence:  confidence,
		AutoBlocked: autoBlocked,
	}
}

// NewIPBlocked builds an ip-blocked event.
func NewIPBlocked(ip, reason, method string, ts time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventIPBlocked,
		Timestamp: ts,
		IP:        ip,
		Reason:    reason,
		Method:    method,
	}
}

// NewBanLifted builds a ban-lifted event.
func NewBanLifted(ip string, ts time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventBanLifted,
		Timestamp: ts,
		IP:        ip,
	}
}
