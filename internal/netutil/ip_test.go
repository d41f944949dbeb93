// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"net"
	"testing"
)

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.31.255.254", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"8.8.8.8", false},
		{"fd00::1", true},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsPrivate(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("IsPrivate(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestIsBroadcast(t *testing.T) {
	_, lan, _ := net.ParseCIDR("192.168.1.0/24")
	nets := []*net.IPNet{lan}

	tests := []struct {
		ip   string
		want bool
	}{
		{"255.255.255.255", true},
		{"192.168.1.255", true},
		{"192.168.1.254", false},
		{"192.168.2.255", false}, // not a local net
		{"ff02::1", false},       // v6 has no broadcast
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsBroadcast(net.ParseIP(tt.ip), nets); got != tt.want {
				t.Errorf("IsBroadcast(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestIsReserved(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"169.254.10.1", true},
		{"255.255.255.255", true},
		{"::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"192.168.1.50", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsReserved(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("IsReserved(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
	if !IsReserved(nil) {
		t.Error("nil IP should be reserved")
	}
}

func TestHostAddrsIsSelf(t *testing.T) {
	h := NewHostAddrs()
	_, lan, _ := net.ParseCIDR("10.0.0.0/24")
	h.SetForTest([]net.IP{net.ParseIP("10.0.0.5")}, []*net.IPNet{lan})

	if !h.IsSelf(net.ParseIP("10.0.0.5")) {
		t.Error("10.0.0.5 should be self")
	}
	if h.IsSelf(net.ParseIP("10.0.0.6")) {
		t.Error("10.0.0.6 should not be self")
	}
	if h.IsSelf(nil) {
		t.Error("nil should not be self")
	}
	if len(h.LocalNets()) != 1 {
		t.Errorf("expected 1 local net, got %d", len(h.LocalNets()))
	}
}

func TestFormatMAC(t *testing.T) {
	mac := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	if got := FormatMAC(mac); got != "de:ad:be:ef:00:01" {
		t.Errorf("FormatMAC = %q", got)
	}
	if FormatMAC([]byte{1, 2}) != "" {
		t.Error("short MAC should format to empty string")
	}
}
