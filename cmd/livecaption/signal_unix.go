//go:build unix

package main

import (
	"os"
	"syscall"
)

var (
	// toggleSignals start or stop transcription when received.
	toggleSignals = []os.Signal{syscall.SIGUSR1}

	// reloadSignals re-read the config file immediately.
	reloadSignals = []os.Signal{syscall.SIGHUP}
)
