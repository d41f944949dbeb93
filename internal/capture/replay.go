// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

// ReplayOptions configure a pcap replay source.
type ReplayOptions struct {
	Path string
	// Realtime replays with the capture's original inter-frame gaps
	// instead of as fast as the pipeline accepts.
	Realtime bool
	Capacity int
	Logger   *logging.Logger
}

// ReplaySource feeds frames from a pcap file. Unlike live capture it
// never drops: replay applies backpressure, which keeps results
// deterministic for tests and incident re-analysis.
type ReplaySource struct {
	opts   ReplayOptions
	file   *os.File
	reader *pcapgo.Reader
	frames chan Frame
	read   atomic.Uint64
	logger *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReplaySource opens a pcap file for replay.
func NewReplaySource(opts ReplayOptions) (*ReplaySource, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultChannelCapacity
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "open pcap %s", opts.Path)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, errors.KindValidation, "read pcap header of %s", opts.Path)
	}

	return &ReplaySource{
		opts:   opts,
		file:   f,
		reader: r,
		frames: make(chan Frame, opts.Capacity),
		logger: opts.Logger.WithComponent("replay"),
	}, nil
}

// Start launches the replay loop. The frame channel closes at EOF.
func (s *ReplaySource) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.replayLoop(ctx)
	s.logger.Info("Replaying capture file", "path", s.opts.Path, "realtime", s.opts.Realtime)
	return nil
}

func (s *ReplaySource) replayLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	var prev time.Time
	for {
		data, ci, err := s.reader.ReadPacketData()
		if err == io.EOF {
			s.logger.Info("Replay finished", "frames", s.read.Load())
			return
		}
		if err != nil {
			s.logger.WithError(err).Warn("Replay aborted on malformed record", "frames", s.read.Load())
			return
		}

		if s.opts.Realtime && !prev.IsZero() {
			if gap := ci.Timestamp.Sub(prev); gap > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(gap):
				}
			}
		}
		prev = ci.Timestamp

		select {
		case <-ctx.Done():
			return
		case s.frames <- Frame{Data: data, Timestamp: ci.Timestamp}:
			s.read.Add(1)
		}
	}
}

func (s *ReplaySource) Frames() <-chan Frame {
	return s.frames
}

// Dropped is always zero: replay blocks instead of dropping.
func (s *ReplaySource) Dropped() uint64 {
	return 0
}

// Stop aborts the replay and closes the file.
func (s *ReplaySource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.file.Close()
}
