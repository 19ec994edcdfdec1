//go:build !windows

// Package lifecycle names the signal set that ends a cast run.
package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals lists the signals on which playback is stopped and
// the media routes are torn down.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
