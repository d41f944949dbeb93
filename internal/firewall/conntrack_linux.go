// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"context"
	"net"
	"net/netip"

	"github.com/ti-mo/conntrack"

	"grimm.is/rampart/internal/errors"
)

// conntrackFlusher removes tracked flows for an address so a fresh
// ban also severs connections the kernel already accepted.
type conntrackFlusher struct{}

func platformFlusher() Flusher {
	return conntrackFlusher{}
}

func (conntrackFlusher) Flush(ctx context.Context, ip net.IP) error {
	target, ok := netip.AddrFromSlice(ip)
	if !ok {
		return errors.Errorf(errors.KindEnforcement, "unrepresentable address %v", ip)
	}
	target = target.Unmap()

	conn, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcement, "open conntrack connection")
	}
	defer conn.Close()

	flows, err := conn.Dump(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindEnforcement, "dump conntrack table")
	}

	var lastErr error
	for _, f := range flows {
		if !flowTouches(f, target) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := conn.Delete(f); err != nil {
			lastErr = err
		}
	}
	return errors.Wrap(lastErr, errors.KindEnforcement, "delete conntrack flows")
}

func flowTouches(f conntrack.Flow, addr netip.Addr) bool {
	return f.TupleOrig.IP.SourceAddress.Unmap() == addr ||
		f.TupleOrig.IP.DestinationAddress.Unmap() == addr ||
		f.TupleReply.IP.SourceAddress.Unmap() == addr ||
		f.TupleReply.IP.DestinationAddress.Unmap() == addr
}
