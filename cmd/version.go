// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"runtime"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RunVersion prints the build version.
func RunVersion() error {
	fmt.Printf("rampart %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
