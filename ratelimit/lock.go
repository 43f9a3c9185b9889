package ratelimit

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// The governor state is shared between the collector and the dashboard,
// which may run as separate OS processes. All file access goes through
// advisory locks: shared for reads, exclusive for read-modify-write.

func readLocked(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return io.ReadAll(f)
}

// updateLocked holds the exclusive lock across one read-modify-write cycle.
// fn receives the current file contents (nil if the file is new) and returns
// the bytes to persist.
func updateLocked(path string, fn func(current []byte) ([]byte, error)) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	current, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.Write(updated)
	return err
}
