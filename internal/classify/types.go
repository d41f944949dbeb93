// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classify turns per-source traffic observations into a
// severity and an attack-type label. Classification is a pure function
// over a tunable threshold table; no I/O, no clocks, no state.
package classify

// Protocol is the normalized transport protocol of a packet.
type Protocol string

const (
	ProtoTCP   Protocol = "TCP"
	ProtoUDP   Protocol = "UDP"
	ProtoICMP  Protocol = "ICMP"
	ProtoOther Protocol = "OTHER"
)

// Severity is the coarse classification driving alerting and enforcement.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparisons and downgrades.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Exceeds reports whether s is strictly more severe than other.
func (s Severity) Exceeds(other Severity) bool {
	return s.rank() > other.rank()
}

// AttackType labels the traffic pattern a source exhibits.
type AttackType string

const (
	AttackNone              AttackType = ""
	AttackDoS               AttackType = "dos"
	AttackDDoS              AttackType = "ddos"
	AttackPortScan          AttackType = "port_scan"
	AttackPingFlood         AttackType = "ping_flood"
	AttackPingSweep         AttackType = "ping_sweep"
	AttackICMPFlood         AttackType = "icmp_flood"
	AttackProbe             AttackType = "probe"
	AttackCriticalTraffic   AttackType = "critical_traffic"
	AttackSuspiciousTraffic AttackType = "suspicious_traffic"
)

// Scope describes where a flow sits relative to the local network.
type Scope int

const (
	// ScopeExternal covers flows with at least one public endpoint.
	ScopeExternal Scope = iota
	// ScopeInternal covers private-to-private flows.
	ScopeInternal
	// ScopeBroadcast covers flows aimed at a broadcast address.
	ScopeBroadcast
	// ScopeSelf covers loopback and the host's own addresses.
	ScopeSelf
)

func (s Scope) String() string {
	switch s {
	case ScopeInternal:
		return "internal"
	case ScopeBroadcast:
		return "broadcast"
	case ScopeSelf:
		return "self"
	default:
		return "external"
	}
}
