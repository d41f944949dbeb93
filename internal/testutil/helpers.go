// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"bytes"
	"os"
	"testing"

	"grimm.is/rampart/internal/logging"
)

// RequireVM skips the test if the RAMPART_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (nftables, AF_PACKET)
// are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("RAMPART_VM_TEST") == "" {
		t.Skip("Skipping test: requires RAMPART_VM_TEST environment")
	}
}

// Logger returns a quiet logger for tests plus the buffer it writes to.
func Logger() (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logging.New(logging.Config{Level: logging.LevelError, Output: &buf}), &buf
}
