//go:build unix

package txbtree

import (
	"os"

	"golang.org/x/sys/unix"
)

type unixFileLock struct {
	fd int
}

// acquireFileLock takes a non-blocking exclusive advisory flock on f,
// following the per-platform split FiloDB uses for its memory-mapped
// backing files (filodb/core mmap_*.go): the syscall is platform
// specific, so the split lives at the file level behind one shared
// fileLock interface rather than runtime branching.
func acquireFileLock(f *os.File) (fileLock, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, err
	}
	return &unixFileLock{fd: fd}, nil
}

func (l *unixFileLock) Unlock() error {
	return unix.Flock(l.fd, unix.LOCK_UN)
}
