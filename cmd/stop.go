// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// RunStop signals the running agent with SIGTERM and waits for it to
// remove its PID file.
func RunStop(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	pidFile := cfg.Agent.PIDFile

	pid, running := readPID(pidFile)
	if pid == 0 {
		return fmt.Errorf("no PID file at %s (is the agent running?)", pidFile)
	}
	if !running {
		fmt.Printf("Removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process %d not found: %w", pid, err)
	}
	fmt.Printf("Stopping rampart (PID %d)...\n", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	// The daemon removes its PID file on clean shutdown.
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			fmt.Println("Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("Warning: PID file still present; shutdown may be slow or stuck.")
	return nil
}
