//go:build windows

package supervisor

import "os"

// FindProcess fails on windows when the pid is gone
func signalZero(p *os.Process) error {
	return nil
}
