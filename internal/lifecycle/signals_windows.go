//go:build windows

// Package lifecycle names the signal set that ends a cast run.
package lifecycle

import "os"

// TerminationSignals lists the signals on which playback is stopped and
// the media routes are torn down. Windows has no SIGTERM delivery.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
