//go:build windows

package process

import "os"

// Windows has no SIGTERM; Kill is the only portable signal.
var terminateSignal = os.Kill
