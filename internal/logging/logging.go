// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across the agent.
// Log lines are "key=value" text by default, optionally JSON, with an
// optional syslog mirror. Loggers are cheap to derive: WithComponent,
// WithFields, and WithError return copies sharing the same output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/rampart/internal/clock"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer // defaults to os.Stderr
	JSON   bool
	Syslog SyslogConfig
}

// DefaultConfig returns the standard daemon logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger writes leveled, structured log lines.
type Logger struct {
	mu        *sync.Mutex
	out       io.Writer
	syslog    io.Writer
	level     Level
	json      bool
	component string
	fields    map[string]any
	err       error
}

// New creates a Logger from cfg. A broken syslog target is reported on
// stderr and skipped rather than failing construction.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l := &Logger{
		mu:    &sync.Mutex{},
		out:   out,
		level: cfg.Level,
		json:  cfg.JSON,
	}
	if cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(cfg.Syslog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: syslog disabled: %v\n", err)
		} else {
			l.syslog = w
		}
	}
	return l
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns the default logger tagged with a component name.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

func (l *Logger) clone() *Logger {
	c := *l
	if len(l.fields) > 0 {
		c.fields = make(map[string]any, len(l.fields))
		for k, v := range l.fields {
			c.fields[k] = v
		}
	} else {
		c.fields = nil
	}
	return &c
}

// WithComponent tags the logger with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	c := l.clone()
	c.component = name
	return c
}

// WithFields attaches persistent fields to every line the derived logger writes.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	c := l.clone()
	if c.fields == nil {
		c.fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithError attaches an error to the next log line.
func (l *Logger) WithError(err error) *Logger {
	c := l.clone()
	c.err = err
	return c
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv) }

func (l *Logger) log(level Level, msg string, kv []any) {
	if level < l.level {
		return
	}

	fields := make(map[string]any, len(l.fields)+len(kv)/2+2)
	for k, v := range l.fields {
		fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["EXTRA"] = kv[len(kv)-1]
	}
	if l.err != nil {
		fields["error"] = l.err.Error()
	}

	var line string
	if l.json {
		line = l.jsonLine(level, msg, fields)
	} else {
		line = l.textLine(level, msg, fields)
	}

	l.mu.Lock()
	fmt.Fprintln(l.out, line)
	if l.syslog != nil {
		fmt.Fprintln(l.syslog, line)
	}
	l.mu.Unlock()
}

func (l *Logger) textLine(level Level, msg string, fields map[string]any) string {
	var b strings.Builder
	b.WriteString(clock.Now().UTC().Format(time.RFC3339))
	b.WriteString(" level=")
	b.WriteString(level.String())
	if l.component != "" {
		b.WriteString(" component=")
		b.WriteString(l.component)
	}
	b.WriteString(" msg=")
	b.WriteString(quoteIfNeeded(msg))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(quoteIfNeeded(fmt.Sprint(fields[k])))
	}
	return b.String()
}

func (l *Logger) jsonLine(level Level, msg string, fields map[string]any) string {
	entry := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = clock.Now().UTC().Format(time.RFC3339)
	entry["level"] = level.String()
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"msg":%q}`, level.String(), msg)
	}
	return string(data)
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	if s == "" {
		return `""`
	}
	return s
}
