// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package netutil

import (
	"net"

	"github.com/vishvananda/netlink"
)

// systemAddrs lists all addresses assigned to any interface via rtnetlink.
func systemAddrs() ([]net.IP, []*net.IPNet, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	nets := make([]*net.IPNet, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil || a.IPNet.IP == nil {
			continue
		}
		ips = append(ips, a.IPNet.IP)
		nets = append(nets, &net.IPNet{IP: a.IPNet.IP.Mask(a.IPNet.Mask), Mask: a.IPNet.Mask})
	}
	return ips, nets, nil
}
