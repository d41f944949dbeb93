// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classify

// Band is a pair of packets-per-minute cutoffs for one protocol in one
// scope. At or above Critical the severity is critical, at or above
// Medium it is medium, below it is normal.
type Band struct {
	Critical int
	Medium   int
}

func (b Band) severity(freq int) Severity {
	switch {
	case freq >= b.Critical:
		return SeverityCritical
	case freq >= b.Medium:
		return SeverityMedium
	default:
		return SeverityNormal
	}
}

// Thresholds is the tunable policy table for classification. Every
// constant the decision logic uses lives here so operators can tune a
// noisy network without a rebuild.
type Thresholds struct {
	// Severity bands, per protocol, internal vs external scope.
	TCPInternal  Band
	TCPExternal  Band
	UDPInternal  Band
	UDPExternal  Band
	ICMPInternal Band
	ICMPExternal Band

	// Attack-type resolution constants.
	DoS              int // TCP/UDP rate above which traffic is a DoS
	DDoS             int // second, higher rate that upgrades dos to ddos
	PortScanMin      int // low edge of the TCP port-scan band
	PortScanMax      int // high edge of the TCP port-scan band
	SmallPacketBytes int // packets under this size count as probe-sized
	TCPMidRate       int // large-packet TCP rate that still means DoS
	PingFlood        int // ICMP rate for ping_flood at critical severity
	PingSweep        int // ICMP rate for ping_sweep
}

// DefaultThresholds returns the stock policy table. Internal traffic
// gets looser bands than external: LAN bursts are noisier and less
// suspicious than the same rate arriving from outside.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TCPInternal:  Band{Critical: 30, Medium: 15},
		TCPExternal:  Band{Critical: 20, Medium: 10},
		UDPInternal:  Band{Critical: 120, Medium: 60},
		UDPExternal:  Band{Critical: 80, Medium: 40},
		ICMPInternal: Band{Critical: 20, Medium: 10},
		ICMPExternal: Band{Critical: 12, Medium: 6},

		DoS:              100,
		DDoS:             300,
		PortScanMin:      10,
		PortScanMax:      100,
		SmallPacketBytes: 150,
		TCPMidRate:       50,
		PingFlood:        30,
		PingSweep:        20,
	}
}

// band picks the severity band for a protocol and scope. Broadcast
// flows use the internal table; the caller downgrades the result one
// step because broadcast chatter is the noisiest legal traffic.
func (t Thresholds) band(proto Protocol, scope Scope) Band {
	internal := scope == ScopeInternal || scope == ScopeBroadcast
	switch proto {
	case ProtoUDP:
		if internal {
			return t.UDPInternal
		}
		return t.UDPExternal
	case ProtoICMP:
		if internal {
			return t.ICMPInternal
		}
		return t.ICMPExternal
	default:
		if internal {
			return t.TCPInternal
		}
		return t.TCPExternal
	}
}
