package bolt

import (
	"bytes"
	"fmt"
	"io"
	"os"

	atomicfile "github.com/natefinch/atomic"
)

// Copy writes a consistent snapshot of the database to w as of the
// start of a read transaction held for the duration of the copy: the
// two meta pages first (so a reader of the copy sees the generation
// this call started with, not whatever's newest when the copy
// finishes), then every page up to the current high-water mark.
func (db *DB) Copy(w io.Writer) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return tx.Copy(w)
}

// Copy is the Tx-scoped counterpart of DB.Copy: it snapshots exactly
// the generation tx was opened against, so a long write workload
// happening concurrently with the copy cannot affect it. The two meta
// slots are synthesized from the tx's own snapshot rather than read
// from disk — a writer committing mid-copy must not be able to leak a
// newer generation's meta into the output while its pages are only
// partially captured.
func (tx *Tx) Copy(w io.Writer) error {
	for i := 0; i < 2; i++ {
		buf := make([]byte, tx.db.pageSize)
		p := tx.db.pageInBuffer(buf, 0)
		p.id = pgid(i)
		m := *tx.meta
		m.write(p)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("meta copy: %w", err)
		}
	}

	if _, err := tx.db.file.Seek(int64(tx.db.pageSize)*2, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	remaining := tx.Size() - int64(tx.db.pageSize)*2
	if _, err := io.CopyN(w, tx.db.file, remaining); err != nil {
		return fmt.Errorf("data copy: %w", err)
	}
	return nil
}

// CopyFile snapshots the database to a new file at path, staging the
// write in a temp file in the same directory and renaming it into place
// atomically (atomic.WriteFile never leaves a reader able to observe a
// partially written file, unlike os.Create+io.Copy directly to path).
func (db *DB) CopyFile(path string, mode os.FileMode) error {
	var buf bytes.Buffer
	if err := db.Copy(&buf); err != nil {
		return err
	}
	if err := atomicfile.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return os.Chmod(path, mode)
}

// Backup is an alias for CopyFile named for the operational use case:
// a scheduled snapshot rather than an ad-hoc export.
func (db *DB) Backup(path string, mode os.FileMode) error {
	return db.CopyFile(path, mode)
}
