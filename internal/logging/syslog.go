// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"grimm.is/rampart/internal/clock"
)

// SyslogConfig describes an optional remote syslog mirror for log output.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	Host     string `hcl:"host,optional" json:"host"`
	Port     int    `hcl:"port,optional" json:"port"`
	Protocol string `hcl:"protocol,optional" json:"protocol"` // udp or tcp
	Tag      string `hcl:"tag,optional" json:"tag"`
	Facility int    `hcl:"facility,optional" json:"facility"` // RFC 3164 facility code
}

// DefaultSyslogConfig returns the disabled default (user facility, UDP 514).
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "rampart",
		Facility: 1,
	}
}

// SyslogWriter sends each Write as one RFC 3164 message. Connection
// failures are retried on the next Write, never surfaced to the caller.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	network  string
	raddr    string
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter validates and normalizes cfg and dials the target.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "rampart"
	}
	if cfg.Facility == 0 {
		cfg.Facility = 1
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	w := &SyslogWriter{
		network:  cfg.Protocol,
		raddr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}
	if err := w.connect(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SyslogWriter) connect() error {
	conn, err := net.DialTimeout(w.network, w.raddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial syslog %s/%s: %w", w.network, w.raddr, err)
	}
	w.conn = conn
	return nil
}

// Write sends p as a single syslog message at severity "info".
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		if err := w.connect(); err != nil {
			// Swallow: syslog is a mirror, the primary output already has the line.
			return len(p), nil
		}
	}

	// severity 6 = informational
	pri := w.facility*8 + 6
	ts := clock.Now().Format(time.Stamp)
	msg := strings.TrimRight(string(p), "\n")
	frame := fmt.Sprintf("<%d>%s %s %s: %s", pri, ts, w.hostname, w.tag, msg)
	if w.network == "tcp" {
		frame += "\n"
	}

	if _, err := w.conn.Write([]byte(frame)); err != nil {
		w.conn.Close()
		w.conn = nil
	}
	return len(p), nil
}

// Close shuts down the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
