// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// FrameOpts tweaks the synthetic frames built by the helpers below.
type FrameOpts struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

func (o *FrameOpts) fill() {
	if o.SrcMAC == nil {
		o.SrcMAC = net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	}
	if o.DstMAC == nil {
		o.DstMAC = net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x02}
	}
	if o.SrcPort == 0 {
		o.SrcPort = 43210
	}
	if o.DstPort == 0 {
		o.DstPort = 80
	}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

// TCPFrame builds a complete Ethernet/IPv4/TCP frame.
func TCPFrame(t *testing.T, src, dst string, opts FrameOpts) []byte {
	t.Helper()
	opts.fill()
	eth := &layers.Ethernet{SrcMAC: opts.SrcMAC, DstMAC: opts.DstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(opts.SrcPort), DstPort: layers.TCPPort(opts.DstPort), SYN: true}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, tcp, gopacket.Payload(opts.Payload))
}

// UDPFrame builds a complete Ethernet/IPv4/UDP frame.
func UDPFrame(t *testing.T, src, dst string, opts FrameOpts) []byte {
	t.Helper()
	opts.fill()
	eth := &layers.Ethernet{SrcMAC: opts.SrcMAC, DstMAC: opts.DstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(opts.SrcPort), DstPort: layers.UDPPort(opts.DstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, udp, gopacket.Payload(opts.Payload))
}

// ICMPFrame builds a complete Ethernet/IPv4/ICMP echo-request frame.
func ICMPFrame(t *testing.T, src, dst string, opts FrameOpts) []byte {
	t.Helper()
	opts.fill()
	eth := &layers.Ethernet{SrcMAC: opts.SrcMAC, DstMAC: opts.DstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Seq: 1}
	return serialize(t, eth, ip, icmp, gopacket.Payload(opts.Payload))
}

// ARPFrame builds a frame the pipeline should reject: no IP layer.
func ARPFrame(t *testing.T) []byte {
	t.Helper()
	src := net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	eth := &layers.Ethernet{SrcMAC: src,
		DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: src, SourceProtAddress: net.ParseIP("10.0.0.1").To4(),
		DstHwAddress: make([]byte, 6), DstProtAddress: net.ParseIP("10.0.0.2").To4(),
	}
	return serialize(t, eth, arp)
}
