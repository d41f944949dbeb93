// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

// ScopeFor derives the traffic scope from address properties. Self
// wins over everything: loopback and own-host traffic must never be
// classified, or the agent would alert on itself.
func ScopeFor(isSelf, isPrivateSrc, isPrivateDst, isBroadcast bool) Scope {
	switch {
	case isSelf:
		return ScopeSelf
	case isBroadcast:
		return ScopeBroadcast
	case isPrivateSrc && isPrivateDst:
		return ScopeInternal
	default:
		return ScopeExternal
	}
}

// Result is the outcome of classifying one packet.
type Result struct {
	Severity   Severity
	AttackType AttackType
}

// Classify maps one observation onto a severity and attack label.
// freq is the source's current packets-per-minute, sizeBytes the frame
// length. The attack-type rules form a priority-ordered decision list;
// the first match wins. Severity-normal traffic carries no label.
func (t Thresholds) Classify(proto Protocol, sizeBytes, freq int, scope Scope) Result {
	if scope == ScopeSelf {
		return Result{Severity: SeverityNormal}
	}

	severity := t.band(proto, scope).severity(freq)
	if scope == ScopeBroadcast {
		severity = downgrade(severity)
	}
	if severity == SeverityNormal {
		return Result{Severity: SeverityNormal}
	}

	return Result{
		Severity:   severity,
		AttackType: t.attackType(proto, sizeBytes, freq, severity),
	}
}

func downgrade(s Severity) Severity {
	switch s {
	case SeverityCritical:
		return SeverityMedium
	case SeverityMedium:
		return SeverityNormal
	default:
		return SeverityNormal
	}
}

// attackType is the ordered decision list. Order matters: a 350 pkt/min
// small-packet TCP source is a ddos, not a port scan, even though it
// also exceeds the scan band.
func (t Thresholds) attackType(proto Protocol, sizeBytes, freq int, severity Severity) AttackType {
	small := sizeBytes < t.SmallPacketBytes

	// 1. Small-packet TCP floods.
	if proto == ProtoTCP && freq > t.DoS && small {
		if freq > t.DDoS {
			return AttackDDoS
		}
		return AttackDoS
	}

	// 2. Small-packet TCP in the scan band.
	if proto == ProtoTCP && freq >= t.PortScanMin && freq <= t.PortScanMax && small {
		return AttackPortScan
	}

	// 3. Large-packet TCP at sustained rate.
	if proto == ProtoTCP && freq > t.TCPMidRate && !small {
		if freq > t.DDoS {
			return AttackDDoS
		}
		return AttackDoS
	}

	// 4. ICMP patterns.
	if proto == ProtoICMP {
		if severity == SeverityCritical && freq > t.PingFlood {
			return AttackPingFlood
		}
		if freq > t.PingSweep {
			return AttackPingSweep
		}
		return AttackICMPFlood
	}

	// 5. UDP floods and scans.
	if proto == ProtoUDP {
		if freq > t.DoS {
			return AttackDoS
		}
		if freq > t.PingSweep && small {
			return AttackPortScan
		}
	}

	// 6. Critical-rate TCP that fits no flood profile.
	if proto == ProtoTCP && freq > t.PingSweep && severity == SeverityCritical {
		return AttackProbe
	}

	// 7. Fallback labels.
	if severity == SeverityCritical {
		return AttackCriticalTraffic
	}
	return AttackSuspiciousTraffic
}
