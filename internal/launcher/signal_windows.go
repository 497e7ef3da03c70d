//go:build windows

package launcher

import "os"

// interrupt has no console-event equivalent for a child process on Windows;
// the worker is terminated directly.
func interrupt(p *os.Process) error {
	return p.Kill()
}
