// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netutil classifies network addresses for the detection and
// enforcement paths: private vs public, loopback, broadcast, reserved,
// and "is this one of our own addresses".
package netutil

import (
	"net"
)

var privateV4 = []*net.IPNet{
	mustCIDR("10.0.0.0/8"),
	mustCIDR("172.16.0.0/12"),
	mustCIDR("192.168.0.0/16"),
}

var uniqueLocalV6 = mustCIDR("fc00::/7")

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsLoopback reports whether ip is in 127.0.0.0/8 or ::1.
func IsLoopback(ip net.IP) bool {
	return ip != nil && ip.IsLoopback()
}

// IsPrivate reports whether ip is RFC 1918 or a ULA address.
func IsPrivate(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range privateV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	return uniqueLocalV6.Contains(ip)
}

// IsBroadcast reports whether ip is the limited broadcast address or the
// directed broadcast of one of the given local networks. IPv6 has no
// broadcast; v6 addresses always return false.
func IsBroadcast(ip net.IP, localNets []*net.IPNet) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.Equal(net.IPv4bcast) {
		return true
	}
	for _, n := range localNets {
		n4 := n.IP.To4()
		if n4 == nil || !n.Contains(v4) {
			continue
		}
		bcast := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			bcast[i] = n4[i] | ^n.Mask[i]
		}
		if v4.Equal(bcast) {
			return true
		}
	}
	return false
}

// IsReserved reports whether ip must never be the target of enforcement:
// unspecified, loopback, multicast, link-local, or the limited broadcast
// address. Directed broadcasts are handled separately because they need
// local network knowledge.
func IsReserved(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil && v4.Equal(net.IPv4bcast) {
		return true
	}
	return false
}
