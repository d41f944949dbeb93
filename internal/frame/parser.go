// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package frame

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/netutil"
)

const minEthernetFrame = 14

// Parse failure reasons, used as metric labels.
const (
	ReasonTruncated = "truncated"
	ReasonEthertype = "unsupported_ethertype"
	ReasonDecode    = "decode"
)

// Reason extracts the parse-failure reason attribute from an error,
// or "decode" when none was attached.
func Reason(err error) string {
	if r, ok := errors.GetAttributes(err)["reason"].(string); ok {
		return r
	}
	return ReasonDecode
}

// Parser decodes Ethernet frames into PacketRecords using a reusable
// layer stack. A Parser is not safe for concurrent use: the capture
// path owns exactly one.
type Parser struct {
	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	ip6    layers.IPv6
	tcp    layers.TCP
	udp    layers.UDP
	icmp4  layers.ICMPv4
	icmp6  layers.ICMPv6
	parser *gopacket.DecodingLayerParser

	decoded []gopacket.LayerType
}

// NewParser builds a parser for Ethernet link-layer input.
func NewParser() *Parser {
	p := &Parser{
		decoded: make([]gopacket.LayerType, 0, 6),
	}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&p.eth, &p.dot1q, &p.ip4, &p.ip6, &p.tcp, &p.udp, &p.icmp4, &p.icmp6,
	)
	// Unknown upper layers (payloads, rare protocols) are not failures;
	// we only need link, network, and transport.
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse decodes one raw frame captured at ts. Malformed input returns
// a KindParse error with a reason attribute; it never panics.
func (p *Parser) Parse(data []byte, ts time.Time) (*PacketRecord, error) {
	if len(data) < minEthernetFrame {
		return nil, errors.Attr(
			errors.Errorf(errors.KindParse, "frame too short: %d bytes", len(data)),
			"reason", ReasonTruncated)
	}

	p.decoded = p.decoded[:0]
	if err := p.parser.DecodeLayers(data, &p.decoded); err != nil {
		return nil, errors.Attr(
			errors.Wrap(err, errors.KindParse, "frame decode failed"),
			"reason", ReasonDecode)
	}

	rec := &PacketRecord{
		Timestamp: ts,
		Length:    len(data),
		Protocol:  classify.ProtoOther,
	}

	sawNetwork := false
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			rec.SrcMAC = netutil.FormatMAC(p.eth.SrcMAC)
		case layers.LayerTypeIPv4:
			rec.SrcIP = cloneIP(p.ip4.SrcIP)
			rec.DstIP = cloneIP(p.ip4.DstIP)
			rec.Protocol = ProtocolFromNumber(uint8(p.ip4.Protocol))
			sawNetwork = true
		case layers.LayerTypeIPv6:
			rec.SrcIP = cloneIP(p.ip6.SrcIP)
			rec.DstIP = cloneIP(p.ip6.DstIP)
			rec.Protocol = ProtocolFromNumber(uint8(p.ip6.NextHeader))
			sawNetwork = true
		case layers.LayerTypeTCP:
			rec.SrcPort = uint16(p.tcp.SrcPort)
			rec.DstPort = uint16(p.tcp.DstPort)
		case layers.LayerTypeUDP:
			rec.SrcPort = uint16(p.udp.SrcPort)
			rec.DstPort = uint16(p.udp.DstPort)
		}
	}

	if !sawNetwork {
		return nil, errors.Attr(
			errors.Errorf(errors.KindParse, "no IPv4/IPv6 layer in frame (ethertype 0x%04x)", uint16(p.eth.EthernetType)),
			"reason", ReasonEthertype)
	}

	return rec, nil
}

// cloneIP copies an IP out of the parser's reusable layer buffers so
// records stay valid after the next Parse call.
func cloneIP(ip []byte) []byte {
	out := make([]byte, len(ip))
	copy(out, ip)
	return out
}
