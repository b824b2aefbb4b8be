//go:build !windows && !linux

package bolt

// fdatasync falls back to a full fsync: most non-Linux unixes don't
// expose a separate data-only sync call through x/sys/unix.
func fdatasync(db *DB) error {
	return db.file.Sync()
}

// mmapFlags ignores populate outside Linux; MAP_POPULATE has no
// portable equivalent.
func mmapFlags(populate bool) int {
	return 0
}

// platformDirectFlag has no portable O_DIRECT equivalent outside Linux;
// DirectWrites is a no-op here.
func platformDirectFlag() int {
	return 0
}
