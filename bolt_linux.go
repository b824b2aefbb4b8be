package bolt

import (
	"golang.org/x/sys/unix"
)

// fdatasync flushes db's file data (and, where the platform distinguishes
// the two, skips the metadata-only portion of a full fsync) to stable
// storage.
func fdatasync(db *DB) error {
	return unix.Fdatasync(int(db.file.Fd()))
}

// mmapFlags adds MAP_POPULATE when the caller asked for an eagerly
// faulted-in mapping, trading Open latency for avoiding page faults on
// the first read of every page.
func mmapFlags(populate bool) int {
	if populate {
		return unix.MAP_POPULATE
	}
	return 0
}

// platformDirectFlag returns O_DIRECT, the only platform in this build
// that supports unbuffered I/O for DirectWrites.
func platformDirectFlag() int {
	return unix.O_DIRECT
}
