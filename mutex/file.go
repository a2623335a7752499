package mutex

import (
	"context"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// FileMutex wraps an advisory file lock using github.com/gofrs/flock.
type FileMutex struct {
	flock *flock.Flock

	// Waiting, when non-nil, is invoked once when another instance holds
	// the lock, before this one starts polling.
	Waiting func()
}

// NewFileMutex returns a FileMutex backed by a lock file at path.
func NewFileMutex(path string) *FileMutex {
	return &FileMutex{flock: flock.New(path)}
}

// Lock polls for the advisory lock every 200ms until acquired or ctx is
// done, never failing outright while another instance holds it.
func (m *FileMutex) Lock(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	warned := false
	for {
		ok, err := m.flock.TryLock()
		if err != nil {
			return errors.Wrap(err, "acquiring file lock")
		}
		if ok {
			return nil
		}
		if !warned && m.Waiting != nil {
			m.Waiting()
			warned = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *FileMutex) Unlock() error {
	return m.flock.Unlock()
}

var _ Mutex = (*FileMutex)(nil)
