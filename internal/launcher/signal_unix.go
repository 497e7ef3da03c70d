//go:build !windows

package launcher

import (
	"os"
	"syscall"
)

// interrupt asks the worker to shut down the way a terminal Ctrl-C would.
func interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
