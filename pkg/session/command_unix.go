//go:build unix

package session

import (
	"os"
	"syscall"
)

// terminate asks the agent to shut down.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
