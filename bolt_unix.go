//go:build !windows

package bolt

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flock acquires an exclusive advisory lock on f, retrying every 50ms
// until it succeeds or timeout elapses (zero means wait forever).
func flock(f *os.File, timeout time.Duration) error {
	var deadline time.Time
	if timeout != 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases the advisory lock taken by flock.
func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// mmap maps sz bytes of db's file into memory, read-only and shared
// across processes holding the same file open. MAP_POPULATE is added on
// Linux when db.mmapPopulate is set (see bolt_linux.go).
func mmap(db *DB, sz int) ([]byte, error) {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, unix.PROT_READ, unix.MAP_SHARED|mmapFlags(db.mmapPopulate))
	if err != nil {
		return nil, err
	}
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		return nil, err
	}
	return b, nil
}

// munmap unmaps db's current mapping.
func munmap(db *DB) error {
	if db.data == nil {
		return nil
	}
	buf := db.data
	db.data = nil
	return unix.Munmap(buf)
}
