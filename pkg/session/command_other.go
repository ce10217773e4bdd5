//go:build !unix

package session

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
