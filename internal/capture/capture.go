// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture delivers raw link-layer frames to the pipeline. Two
// sources exist: live AF_PACKET capture on Linux and pcap file replay
// for the replay verb and tests. Both hand frames over a bounded
// channel; when the pipeline falls behind, live capture drops frames
// and counts them rather than stalling the kernel read loop.
package capture

import (
	"context"
	"time"
)

// DefaultChannelCapacity bounds the frame channel between the capture
// goroutine and the pipeline.
const DefaultChannelCapacity = 4096

// Frame is one captured link-layer frame.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Source produces frames until its input is exhausted or Stop is
// called. The Frames channel is closed when the source finishes.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan Frame
	// Dropped returns how many frames were discarded because the
	// pipeline could not keep up.
	Dropped() uint64
	Stop()
}
