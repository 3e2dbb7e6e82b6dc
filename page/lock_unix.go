//go:build unix

package page

import (
	"github.com/hupe1980/searchpages/internal/fs"
	"golang.org/x/sys/unix"
)

type fdFile interface {
	Fd() uintptr
}

// lockFile takes an advisory exclusive lock so only one process owns the relation.
func lockFile(f fs.File) (func() error, error) {
	fd, ok := f.(fdFile)
	if !ok {
		return func() error { return nil }, nil
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, err
	}
	return func() error {
		return unix.Flock(int(fd.Fd()), unix.LOCK_UN)
	}, nil
}
