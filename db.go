package bolt

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/kvbolt/boltkv/internal/metrics"
)

// The smallest size the mmap can be.
const minMmapSize = 1 << 22 // 4MB

// The largest step taken when growing the mmap.
const maxMmapStep = 1 << 30 // 1GB

// minAllocSize is the minimum amount, in bytes, the file grows by when a
// commit needs more room than currently allocated.
const minAllocSize = 16 * 1024 * 1024

// DB represents an open boltkv database file. All access to its buckets
// goes through a Tx obtained via Begin, View or Update. A *DB is safe to
// share across goroutines; Begin(true) serializes writers.
type DB struct {
	// NoSync, when true, skips the fsync/fdatasync call after writing
	// pages and the meta page. Setting this risks the whole database on
	// a crash; it exists for bulk-load scenarios that re-verify the
	// database (DB.Check) before trusting it.
	NoSync bool

	// StrictMode runs a full integrity check during every commit, after
	// the data pages are written and before the meta page is, and panics
	// if it finds a problem, trading commit latency for an early,
	// loud failure instead of a silently corrupt file.
	StrictMode bool

	// ReadOnly opens the database file O_RDONLY and refuses Begin(true).
	ReadOnly bool

	path     string
	file     *os.File
	opened   bool
	data     []byte
	dataSize int
	meta0    *meta
	meta1    *meta
	pageSize int
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	stats    Stats

	mmapPopulate bool
	directWrites bool

	logger  *zerolog.Logger
	metrics *metrics.Collector

	rwlock   sync.Mutex   // held for the life of one writable Tx
	metalock sync.Mutex   // protects meta0/meta1/txs/rwtx bookkeeping
	mmaplock sync.RWMutex // held exclusively while remapping, shared while a tx reads through data
	statlock sync.Mutex   // protects stats

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

// Options configures Open. The zero value is a reasonable default for
// a throwaway database; LoadOptions reads one from a boltkv.conf file.
type Options struct {
	// PageSize to use for a newly created file. Ignored for an existing
	// file, where it must match (or be zero, meaning "inherit"); a
	// mismatch is a fatal assertion. Minimum 1024.
	PageSize int

	// NumPages is the initial page allocation for a newly created file.
	// Minimum 4 (the two meta pages, an empty freelist, and an empty
	// root leaf).
	NumPages int

	// StrictMode runs the integrity check during every commit and panics
	// on a failure; see DB.StrictMode.
	StrictMode bool

	// ReadOnly opens the file without taking the writer file lock and
	// refuses writable transactions.
	ReadOnly bool

	// MmapPopulate eagerly populates the mmap (MAP_POPULATE) on Linux;
	// a no-op elsewhere.
	MmapPopulate bool

	// DirectWrites opens the file with O_DIRECT on Linux; a no-op
	// elsewhere. Callers enabling this are responsible for understanding
	// that O_DIRECT imposes alignment requirements the OS enforces, not
	// this package.
	DirectWrites bool

	// Timeout bounds how long Open waits to acquire the exclusive file
	// lock. Zero means wait indefinitely.
	Timeout time.Duration

	// NoSync disables fsync after writes; see DB.NoSync.
	NoSync bool

	// Logger receives structured lifecycle events (open, grow, remap,
	// commit, integrity failures). Nil disables logging entirely.
	Logger *zerolog.Logger

	// Metrics, if set, is fed commit/rebalance/spill/page counters.
	Metrics *metrics.Collector
}

// DefaultOptions is used when Open is called with a nil *Options.
var DefaultOptions = &Options{
	PageSize: 0, // 0 means "use the OS page size"
	NumPages: 4,
	Timeout:  0,
}

// Open creates (if necessary) and opens the database file at path.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	if options == nil {
		options = DefaultOptions
	}

	db := &DB{
		opened:       true,
		StrictMode:   options.StrictMode,
		ReadOnly:     options.ReadOnly,
		NoSync:       options.NoSync,
		mmapPopulate: options.MmapPopulate,
		directWrites: options.DirectWrites,
		logger:       options.Logger,
		metrics:      options.Metrics,
	}
	db.path = path

	flag := os.O_RDWR
	if db.ReadOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}
	flag |= directWriteFlag(options.DirectWrites)

	var err error
	if db.file, err = os.OpenFile(db.path, flag, mode); err != nil {
		_ = db.close()
		return nil, err
	}

	if !db.ReadOnly {
		if err := flock(db.file, options.Timeout); err != nil {
			_ = db.close()
			return nil, err
		}
	}

	db.ops.writeAt = db.file.WriteAt

	info, err := db.file.Stat()
	if err != nil {
		_ = db.close()
		return nil, fmt.Errorf("stat error: %s", err)
	}

	if info.Size() == 0 {
		pageSize := options.PageSize
		if pageSize == 0 {
			pageSize = os.Getpagesize()
		}
		if pageSize < 1024 {
			_assert(false, "pagesize (%d) below 1024 byte minimum", pageSize)
		}
		numPages := options.NumPages
		if numPages < 4 {
			numPages = 4
		}
		db.pageSize = pageSize
		if err := db.init(numPages); err != nil {
			_ = db.close()
			return nil, err
		}
		db.logEvent("create", nil)
	} else {
		// The page size isn't known until a valid meta has been read, and
		// slot 1's offset depends on the page size. Read slot 0 first; if
		// it fails validation, locate slot 1 using the page size slot 0
		// claims, falling back to the OS page size when that is garbage.
		var buf0 [1024]byte
		if _, err := db.file.ReadAt(buf0[:], 0); err != nil {
			_ = db.close()
			return nil, fmt.Errorf("meta read error: %s", err)
		}
		m := (*page)(unsafe.Pointer(&buf0[0])).meta()
		if err := m.validate(); err != nil {
			ps := int(m.pageSize)
			if ps < 1024 || ps&(ps-1) != 0 {
				ps = os.Getpagesize()
			}
			var buf1 [1024]byte
			if _, err2 := db.file.ReadAt(buf1[:], int64(ps)); err2 != nil {
				_ = db.close()
				return nil, newInvalidDBError(fmt.Errorf("both meta pages invalid: %s / %s", err, err2))
			}
			m2 := (*page)(unsafe.Pointer(&buf1[0])).meta()
			if err2 := m2.validate(); err2 != nil {
				_ = db.close()
				return nil, newInvalidDBError(fmt.Errorf("both meta pages invalid: %s / %s", err, err2))
			}
			mv := *m2
			m = &mv
		}
		if options.PageSize != 0 {
			_assert(int(m.pageSize) == options.PageSize, "pagesize mismatch: configured %d, on-disk %d", options.PageSize, m.pageSize)
		}
		db.pageSize = int(m.pageSize)
	}

	if err := db.mmap(0); err != nil {
		_ = db.close()
		return nil, err
	}

	db.freelist = newFreelist()
	db.loadFreelist()

	db.logEvent("open", map[string]interface{}{"pagesize": db.pageSize, "pages": int(db.meta().pgid)})
	return db, nil
}

func (db *DB) logEvent(event string, fields map[string]interface{}) {
	if db.logger == nil {
		return
	}
	e := db.logger.Info().Str("event", event).Str("path", db.path)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("boltkv")
}

// Path returns the path to the currently open database file.
func (db *DB) Path() string { return db.path }

func (db *DB) String() string { return fmt.Sprintf("DB<%q>", db.path) }

// init writes the initial file layout for a brand-new database: two
// identical meta slots, an empty freelist page, and an empty leaf root,
// followed by numPages-4 unused (but allocated) pages.
func (db *DB) init(numPages int) error {
	buf := make([]byte, db.pageSize*numPages)

	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = bucket{root: 3}
		m.pgid = pgid(numPages)
		m.txid = txid(i)
		m.write(p)
	}

	p := db.pageInBuffer(buf, 2)
	p.id = 2
	p.flags = freelistPageFlag
	p.count = 0

	p = db.pageInBuffer(buf, 3)
	p.id = 3
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	return fdatasync(db)
}

// mmap (re)maps the data file into memory. minsz is the minimum size
// the new mapping must cover; db.mmapSize rounds it up.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	if db.rwtx != nil {
		db.rwtx.dereference()
	}

	if err := db.munmap(); err != nil {
		return err
	}

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return fmt.Errorf("file size too small")
	}

	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	size = db.mmapSize(size)

	data, err := mmap(db, size)
	if err != nil {
		return err
	}
	db.data = data
	db.dataSize = size

	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	if err := db.meta0.validate(); err != nil && db.meta1.validate() != nil {
		return newInvalidDBError(fmt.Errorf("meta0: %s", err))
	}

	db.logEvent("remap", map[string]interface{}{"size": size})
	return nil
}

func (db *DB) munmap() error {
	if db.data == nil {
		return nil
	}
	if err := munmap(db); err != nil {
		return fmt.Errorf("unmap error: %s", err)
	}
	db.data = nil
	return nil
}

// mmapSize doubles the mapping up to maxMmapStep, then grows it in
// maxMmapStep increments, always rounding to a page-size multiple.
func (db *DB) mmapSize(size int) int {
	if size < minMmapSize {
		size = minMmapSize
	} else if size < maxMmapStep {
		size *= 2
	} else {
		size += maxMmapStep
	}
	if rem := size % db.pageSize; rem != 0 {
		size += db.pageSize - rem
	}
	return size
}

// grow extends the file to at least sz bytes, rounding up to a multiple
// of minAllocSize, and remaps if the new size exceeds the live mapping.
func (db *DB) grow(sz int) error {
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if int(info.Size()) >= sz {
		return nil
	}

	if sz < minAllocSize {
		sz = minAllocSize
	} else {
		sz = ((sz / minAllocSize) + 1) * minAllocSize
	}

	if err := db.file.Truncate(int64(sz)); err != nil {
		return fmt.Errorf("file resize error: %s", err)
	}
	db.logEvent("grow", map[string]interface{}{"size": sz})

	if sz > db.dataSize {
		return db.mmap(sz)
	}
	return nil
}

// Close releases every resource held by db. All transactions must
// already be closed.
func (db *DB) Close() error {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()
	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false
	db.freelist = nil
	db.ops.writeAt = nil

	if err := db.munmap(); err != nil {
		return err
	}

	if db.file != nil {
		if !db.ReadOnly {
			_ = funlock(db.file)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}
	db.path = ""
	return nil
}

// Begin starts a new transaction. Exactly one writable Tx may be open
// at a time; any number of read-only Tx may run concurrently with it.
// Calling Begin(true) twice on the same goroutine deadlocks.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()
	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)
	db.txs = append(db.txs, t)
	db.metalock.Unlock()
	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.ReadOnly {
		return nil, ErrDatabaseReadOnly
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	// Pages freed by generations no open reader can still see become
	// reusable for this writer. The release happens on the tx's private
	// clone; the global list only learns of it if this tx commits.
	oldest := t.meta.txid
	for _, ro := range db.txs {
		if ro.meta.txid < oldest {
			oldest = ro.meta.txid
		}
	}
	if oldest > 0 {
		t.fl.release(oldest - 1)
	}

	return t, nil
}

// removeTx unregisters a read-only transaction on Rollback.
func (db *DB) removeTx(t *Tx) {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.mmaplock.RUnlock()

	for i, tx := range db.txs {
		if tx == t {
			db.txs = append(db.txs[:i], db.txs[i+1:]...)
			break
		}
	}

	db.statlock.Lock()
	db.stats.TxStats.add(t.stats)
	db.statlock.Unlock()
}

// Update runs fn inside a writable, managed transaction: fn's return
// value decides whether the transaction commits (nil) or rolls back.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}
	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// View runs fn inside a read-only, managed transaction.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}
	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Rollback()
}

// Check walks every reachable page inside a read-only transaction and
// returns every discrepancy found.
func (db *DB) Check() error {
	var errs errList
	err := db.View(func(tx *Tx) error {
		for _, e := range tx.Check() {
			errs = errs.append(e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		db.logEvent("check_failed", map[string]interface{}{"errors": len(errs)})
		return newInvalidDBError(errs)
	}
	return nil
}

// loadFreelist reads the freelist page referenced by the current meta.
func (db *DB) loadFreelist() {
	db.freelist.read(db.page(db.meta().freelist))
}

// meta returns the currently valid meta record: the one with the
// higher tx id. The two slots of a file written by commits differ by
// exactly 1; a file written by Tx.Copy has two identical slots, and on
// a tie slot 1 is used if it validates.
func (db *DB) meta() *meta {
	if db.meta0.txid > db.meta1.txid {
		if err := db.meta0.validate(); err == nil {
			return db.meta0
		}
		return db.meta1
	}
	if err := db.meta1.validate(); err == nil {
		return db.meta1
	}
	return db.meta0
}

// page returns a pointer into the live mmap for page id.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer returns a pointer into an arbitrary buffer as if it were
// page id, used when assembling pages that haven't been written yet.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// allocate reserves count contiguous pages, preferring freelist reuse;
// on a miss it grows the page high-water mark (the file itself grows at
// commit time via DB.grow, keyed off the new high-water mark).
func (db *DB) allocate(fl *freelist, count int) (*page, error) {
	buf := make([]byte, count*db.pageSize)
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.overflow = uint32(count - 1)

	if p.id = fl.allocate(count); p.id != 0 {
		return p, nil
	}

	p.id = db.rwtx.meta.pgid
	minsz := int(p.id+pgid(count)+1) * db.pageSize
	if minsz >= len(db.data) {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	db.rwtx.meta.pgid += pgid(count)
	return p, nil
}

// Stats returns a snapshot of database-wide counters, updated whenever
// a transaction closes.
func (db *DB) Stats() Stats {
	db.statlock.Lock()
	defer db.statlock.Unlock()
	return db.stats
}

// recordCommitMetrics feeds one committed transaction's counters into
// db.metrics. A nil Collector (the default, when Options.Metrics was
// never set) makes every call here a no-op.
func (db *DB) recordCommitMetrics(stats TxStats) {
	if db.metrics == nil {
		return
	}
	db.metrics.Commits.Inc()
	db.metrics.Rebalances.Add(float64(stats.RebalanceCount))
	db.metrics.Spills.Add(float64(stats.SpillCount))
	db.metrics.PagesAlloc.Add(float64(stats.PageCount))
	db.metrics.CommitDuration.Observe(stats.WriteTime.Seconds())

	db.statlock.Lock()
	free := float64(db.stats.FreePageN)
	db.statlock.Unlock()
	db.metrics.FreePages.Set(free)

	if info, err := db.file.Stat(); err == nil {
		db.metrics.FileSize.Set(float64(info.Size()))
	}
}

func (db *DB) recordRollbackMetric() {
	if db.metrics == nil {
		return
	}
	db.metrics.Rollbacks.Inc()
}

// Stats holds free-page accounting and aggregated transaction counters.
type Stats struct {
	FreePageN    int
	PendingPageN int
	FreeAlloc    int
	TxStats      TxStats
}

// Sub returns the difference between two snapshots, for callers
// sampling Stats periodically and charting the deltas.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.TxStats = TxStats{
		PageCount:      s.TxStats.PageCount - other.TxStats.PageCount,
		PageAlloc:      s.TxStats.PageAlloc - other.TxStats.PageAlloc,
		CursorCount:    s.TxStats.CursorCount - other.TxStats.CursorCount,
		NodeCount:      s.TxStats.NodeCount - other.TxStats.NodeCount,
		NodeDeref:      s.TxStats.NodeDeref - other.TxStats.NodeDeref,
		RebalanceCount: s.TxStats.RebalanceCount - other.TxStats.RebalanceCount,
		RebalanceTime:  s.TxStats.RebalanceTime - other.TxStats.RebalanceTime,
		SplitCount:     s.TxStats.SplitCount - other.TxStats.SplitCount,
		SpillCount:     s.TxStats.SpillCount - other.TxStats.SpillCount,
		SpillTime:      s.TxStats.SpillTime - other.TxStats.SpillTime,
		Write:          s.TxStats.Write - other.TxStats.Write,
		WriteTime:      s.TxStats.WriteTime - other.TxStats.WriteTime,
	}
	return diff
}

// directWriteFlag returns the O_DIRECT open flag on Linux when enabled,
// or 0 everywhere else (see bolt_linux.go / bolt_other_unix.go).
func directWriteFlag(enabled bool) int {
	if !enabled {
		return 0
	}
	return platformDirectFlag()
}
