// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package frame decodes raw link-layer frames into typed packet
// records. Decoding never panics: every malformed input comes back as
// a KindParse error the caller counts and skips.
package frame

import (
	"net"
	"time"

	"grimm.is/rampart/internal/classify"
)

// ProtocolFromNumber maps an IP protocol number onto the normalized set.
func ProtocolFromNumber(n uint8) classify.Protocol {
	switch n {
	case 6:
		return classify.ProtoTCP
	case 17:
		return classify.ProtoUDP
	case 1, 58: // ICMP and ICMPv6
		return classify.ProtoICMP
	default:
		return classify.ProtoOther
	}
}

// PacketRecord is the typed form of one observed frame. The parser
// fills the wire fields; the pipeline annotates the classification
// fields exactly once, after which the record is immutable.
type PacketRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	SrcIP     net.IP            `json:"src_ip"`
	DstIP     net.IP            `json:"dst_ip"`
	SrcMAC    string            `json:"src_mac,omitempty"`
	Protocol  classify.Protocol `json:"protocol"`
	Length    int               `json:"length"`
	SrcPort   uint16            `json:"src_port,omitempty"`
	DstPort   uint16            `json:"dst_port,omitempty"`

	Frequency  int                 `json:"frequency"`
	Severity   classify.Severity   `json:"severity"`
	AttackType classify.AttackType `json:"attack_type,omitempty"`
	Malicious  bool                `json:"malicious"`
	Confidence float64             `json:"confidence"`
}

// Key returns the identity used for per-source tracking.
func (p *PacketRecord) Key() string {
	if p.SrcIP == nil {
		return ""
	}
	return p.SrcIP.String()
}
