//go:build unix

package engine

import (
	"os"

	"golang.org/x/sys/unix"
)

// acceptLock serializes accept across pool workers with an exclusive
// advisory file lock, held only across the accept call, so the kernel
// wakes a single worker per connection. Each worker opens its own
// descriptor on the shared path; flock is per open file description, so a
// shared descriptor would not serialize at all.
type acceptLock struct {
	f *os.File
}

func newAcceptLock(path string) (*acceptLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &acceptLock{f: f}, nil
}

func (l *acceptLock) Lock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
}

func (l *acceptLock) Unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *acceptLock) Close() error {
	return l.f.Close()
}
