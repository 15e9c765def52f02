package filelock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockFile takes a non-blocking advisory lock on f: shared when the
// caller only reads, exclusive otherwise.
func flockFile(f *os.File, shared bool) error {
	how := unix.LOCK_EX
	if shared {
		how = unix.LOCK_SH
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}

// unlockFile releases the advisory lock on f.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// isWouldBlock reports whether err means another process holds the lock.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
