package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/specflow/pkg/engine"
)

// newOwner returns a lease owner of the form specflow/<host>/<pid>/<uuid>.
func newOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("specflow/%s/%d/%s", host, os.Getpid(), uuid.New().String())
}

// ownerGone reports whether owner names a process of this host that has
// exited. Owners in any other form are assumed alive.
func ownerGone(owner string) bool {
	parts := strings.Split(owner, "/")
	if len(parts) != 4 || parts[0] != "specflow" {
		return false
	}
	host, err := os.Hostname()
	if err != nil || parts[1] != host {
		return false
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false
	}
	return !processAlive(pid)
}

// leaseHolder extracts the holder from a StateConflictError.
func leaseHolder(err error) string {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return ""
	}
	holder, _ := ee.Details["holder"].(string)
	return holder
}
