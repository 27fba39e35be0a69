//go:build !unix

package main

import "os"

// Without SIGUSR1 and SIGHUP, toggling goes through POST /toggle and config
// changes are picked up by polling.
var toggleSignals, reloadSignals []os.Signal
