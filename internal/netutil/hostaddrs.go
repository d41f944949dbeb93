// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"net"
	"sync"
	"time"

	"grimm.is/rampart/internal/clock"
)

// HostAddrs tracks the addresses and networks assigned to this host so
// the pipeline can recognize its own traffic. The set is refreshed
// lazily: lookups older than the refresh interval trigger a re-scan.
type HostAddrs struct {
	mu          sync.RWMutex
	addrs       map[string]struct{}
	nets        []*net.IPNet
	lastRefresh time.Time
	refreshEvery time.Duration

	// listAddrs is swapped in tests.
	listAddrs func() ([]net.IP, []*net.IPNet, error)
}

// NewHostAddrs builds the tracker and performs the first scan. Scan
// failures leave the set empty; the next lookup retries.
func NewHostAddrs() *HostAddrs {
	h := &HostAddrs{
		addrs:        make(map[string]struct{}),
		refreshEvery: time.Minute,
		listAddrs:    systemAddrs,
	}
	h.Refresh()
	return h
}

// Refresh re-scans the host's interface addresses.
func (h *HostAddrs) Refresh() {
	ips, nets, err := h.listAddrs()
	if err != nil {
		return
	}
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip.String()] = struct{}{}
	}
	h.mu.Lock()
	h.addrs = set
	h.nets = nets
	h.lastRefresh = clock.Now()
	h.mu.Unlock()
}

func (h *HostAddrs) maybeRefresh() {
	h.mu.RLock()
	stale := clock.Now().Sub(h.lastRefresh) > h.refreshEvery
	h.mu.RUnlock()
	if stale {
		h.Refresh()
	}
}

// IsSelf reports whether ip is one of this host's addresses.
func (h *HostAddrs) IsSelf(ip net.IP) bool {
	if ip == nil {
		return false
	}
	h.maybeRefresh()
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.addrs[ip.String()]
	return ok
}

// LocalNets returns the networks directly attached to this host.
func (h *HostAddrs) LocalNets() []*net.IPNet {
	h.maybeRefresh()
	h.mu.RLock()
	defer h.mu.RUnlock()
	nets := make([]*net.IPNet, len(h.nets))
	copy(nets, h.nets)
	return nets
}

// SetForTest replaces the address set, pinning it against refresh.
func (h *HostAddrs) SetForTest(ips []net.IP, nets []*net.IPNet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addrs = make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		h.addrs[ip.String()] = struct{}{}
	}
	h.nets = nets
	h.lastRefresh = clock.Now().Add(24 * time.Hour)
}
