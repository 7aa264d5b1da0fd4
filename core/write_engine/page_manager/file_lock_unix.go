//go:build unix

package pagemanager

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// lockFile takes an exclusive advisory lock so only one engine owns the file.
func lockFile(f *os.File) (func() error, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", dberror.ErrLocked, f.Name())
		}
		return nil, fmt.Errorf("%w: flock %s: %v", dberror.ErrIO, f.Name(), err)
	}
	return func() error { return unix.Flock(fd, unix.LOCK_UN) }, nil
}
