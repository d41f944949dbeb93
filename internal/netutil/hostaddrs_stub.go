// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package netutil

import "net"

// systemAddrs lists interface addresses through the portable net package.
func systemAddrs() ([]net.IP, []*net.IPNet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	nets := make([]*net.IPNet, 0, len(addrs))
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP == nil {
			continue
		}
		ips = append(ips, ipnet.IP)
		nets = append(nets, &net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask})
	}
	return ips, nets, nil
}
