// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// RunStart launches the agent in the background: validate the config,
// refuse to double-start, re-exec ourselves detached, and watch briefly
// for an immediate failure so the operator sees it instead of a silent
// dead daemon.
func RunStart(configFile string) error {
	// Pre-flight: load and validate before forking so config errors
	// surface here, not in a log file.
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	pidFile := cfg.Agent.PIDFile
	if pid, running := readPID(pidFile); running {
		return fmt.Errorf("agent already running (PID %d)", pid)
	} else if pid != 0 {
		fmt.Printf("Removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	args := []string{"run"}
	if configFile != "" {
		args = append(args, "-config", configFile)
	}
	cmd := exec.Command(exe, args...)

	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = filepath.Join(cfg.Storage.StateDir, "rampart.log")
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logF.Close()
	cmd.Stdout = logF
	cmd.Stderr = logF

	// Detach into its own session so it survives the terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	fmt.Printf("Started rampart (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("Logs: %s\n", logFile)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		// Exited within the grace window; show the tail of the log.
		fmt.Fprintln(os.Stderr, "\nError: daemon exited immediately.")
		for _, line := range tailLog(logFile, 10) {
			fmt.Fprintf(os.Stderr, "  %s\n", line)
		}
		if err != nil {
			return fmt.Errorf("daemon failed to start: %w", err)
		}
		return fmt.Errorf("daemon exited unexpectedly")
	case <-time.After(500 * time.Millisecond):
		if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("daemon died during startup (check logs: %s)", logFile)
		}
		return nil
	}
}

// readPID reads a PID file and reports whether that process is alive.
// A zero pid means no usable PID file exists.
func readPID(path string) (pid int, running bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

// tailLog returns the last n non-empty lines of a log file.
func tailLog(path string, n int) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
