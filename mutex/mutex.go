// Package mutex implements a single-instance guard: only one kiln process
// may be mutating a given project's node_modules tree at a time. Two modes
// are offered, selected by the caller: a file lock for the common
// single-machine case, and a loopback-TCP leader/follower protocol for
// environments where advisory file locks aren't reliable (some network
// filesystems).
package mutex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DefaultFilename is the lock file used by file mode when the specifier
// names no path.
const DefaultFilename = ".kiln-single-instance"

// Mutex is acquired for the duration of an install/resolve run and
// released on Unlock.
type Mutex interface {
	// Lock blocks until the mutex is held or ctx is done. If another
	// instance already holds it, Lock waits for it to finish rather than
	// failing immediately: a second invocation waits, it does not error.
	Lock(ctx context.Context) error
	Unlock() error
}

// FromSpecifier builds a Mutex from its textual specifier, "file[:path]"
// or "network[:port]". An empty specifier selects file mode with the
// default path.
func FromSpecifier(spec string) (Mutex, error) {
	if spec == "" {
		return NewFileMutex(DefaultFilename), nil
	}
	mode, arg := spec, ""
	if idx := strings.Index(spec, ":"); idx >= 0 {
		mode, arg = spec[:idx], spec[idx+1:]
	}
	switch mode {
	case "file":
		if arg == "" {
			arg = DefaultFilename
		}
		return NewFileMutex(arg), nil
	case "network":
		port := DefaultPort
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 || n > 65535 {
				return nil, fmt.Errorf("invalid mutex port %q", arg)
			}
			port = n
		}
		return NewNetworkMutex(port), nil
	default:
		return nil, fmt.Errorf("invalid mutex specifier %q: expected file[:path] or network[:port]", spec)
	}
}
