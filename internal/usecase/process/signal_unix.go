//go:build !windows

package process

import "syscall"

var terminateSignal = syscall.SIGTERM
