// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package capture

import (
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

// LiveOptions configure a live AF_PACKET source.
type LiveOptions struct {
	Interface   string
	Promiscuous bool
	Capacity    int
	Logger      *logging.Logger
}

// NewLiveSource is Linux-only; other platforms can still replay pcaps.
func NewLiveSource(opts LiveOptions) (Source, error) {
	return nil, errors.New(errors.KindUnavailable, "live capture requires Linux (AF_PACKET)")
}
