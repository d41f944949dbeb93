// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package capture

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

// maxFrameSize covers an Ethernet frame with room for jumbo payloads.
const maxFrameSize = 9216

// LiveOptions configure a live AF_PACKET source.
type LiveOptions struct {
	Interface   string
	Promiscuous bool
	Capacity    int
	Logger      *logging.Logger
}

// LiveSource captures frames from one interface via AF_PACKET.
type LiveSource struct {
	opts    LiveOptions
	conn    *packet.Conn
	frames  chan Frame
	dropped atomic.Uint64
	logger  *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLiveSource opens an AF_PACKET socket on the named interface.
func NewLiveSource(opts LiveOptions) (*LiveSource, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultChannelCapacity
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	ifi, err := net.InterfaceByName(opts.Interface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "interface %s", opts.Interface)
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open AF_PACKET socket on %s", opts.Interface)
	}
	if opts.Promiscuous {
		if err := conn.SetPromiscuous(true); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, errors.KindUnavailable, "enable promiscuous mode on %s", opts.Interface)
		}
	}

	return &LiveSource{
		opts:   opts,
		conn:   conn,
		frames: make(chan Frame, opts.Capacity),
		logger: opts.Logger.WithComponent("capture"),
	}, nil
}

// Start launches the kernel read loop.
func (s *LiveSource) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.readLoop(ctx)
	s.logger.Info("Live capture started",
		"interface", s.opts.Interface, "promiscuous", s.opts.Promiscuous)
	return nil
}

func (s *LiveSource) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	buf := make([]byte, maxFrameSize)
	for {
		// A short deadline keeps the loop responsive to cancellation
		// without busy-waiting.
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.WithError(err).Warn("Capture read failed, stopping")
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.frames <- Frame{Data: data, Timestamp: clock.Now()}:
		default:
			// Pipeline backlog: drop rather than block the kernel read.
			s.dropped.Add(1)
		}
	}
}

func (s *LiveSource) Frames() <-chan Frame {
	return s.frames
}

func (s *LiveSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Stop closes the socket and waits for the read loop to exit.
func (s *LiveSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
	s.wg.Wait()
	if n := s.Dropped(); n > 0 {
		s.logger.Warn("Capture dropped frames under backlog", "count", n)
	}
}
