// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package firewall

// Non-Linux builds have no packet filter to drive; the noop backend
// records intent so the rest of the pipeline behaves normally in
// development and tests.

func platformBackend() Backend {
	return newNoopBackend()
}

func platformFlusher() Flusher {
	return nil
}
