package bolt

import (
	"bytes"
	"fmt"
	"sort"
	"time"
	"unsafe"
)

// txid identifies a generation. Every writer transaction increments it by
// one; readers pin whatever txid was current when they began, which is
// what lets the freelist know when a freed page is safe to reuse (see
// freelist.release).
type txid uint64

// Tx represents a read-only or read/write transaction against a DB.
// Exactly one writable Tx may be open at a time; any number of read-only
// Tx may run concurrently with it and with each other. A Tx must be
// committed or rolled back; neither the root Bucket nor anything derived
// from it is valid once that happens.
type Tx struct {
	writable       bool
	managed        bool
	db             *DB
	meta           *meta
	fl             *freelist
	root           *Bucket
	pages          map[pgid]*page
	stats          TxStats
	commitHandlers []func()
}

// init prepares tx to run against db: a private copy of the current meta
// (so a concurrent writer can't mutate state this tx is relying on) and a
// root Bucket bound to that copy's root record. A writable tx also gets a
// private clone of the global freelist; Commit publishes the clone back
// only after the new meta page has synced, so an aborted tx never leaves
// a trace in the global free-page state.
func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	tx.meta = &meta{}
	db.meta().copy(tx.meta)

	tx.root = newBucket(tx)
	b := tx.meta.root
	tx.root.bucket = &b

	if tx.writable {
		tx.pages = make(map[pgid]*page)
		tx.meta.txid++
		tx.fl = db.freelist.clone()
	} else {
		tx.fl = db.freelist
	}
}

// ID returns the transaction's generation number.
func (tx *Tx) ID() int { return int(tx.meta.txid) }

// DB returns the database that created this transaction.
func (tx *Tx) DB() *DB { return tx.db }

// Size returns the size, in bytes, of the database as seen by this transaction.
func (tx *Tx) Size() int64 { return int64(tx.meta.pgid) * int64(tx.db.pageSize) }

// Writable reports whether this transaction can mutate the database.
func (tx *Tx) Writable() bool { return tx.writable }

// Cursor returns a cursor over the root bucket, whose entries are all
// nested-bucket records (the root bucket holds no plain key/values).
func (tx *Tx) Cursor() *Cursor { return tx.root.Cursor() }

// Stats returns a snapshot of this transaction's I/O counters.
func (tx *Tx) Stats() TxStats { return tx.stats }

// Bucket retrieves a top-level bucket by name, or nil if it doesn't exist.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates name if absent, or returns the existing bucket.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a top-level bucket and reclaims its pages.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach calls fn once for every top-level bucket, in key order.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEachBucket(func(name []byte) error {
		return fn(name, tx.root.Bucket(name))
	})
}

// OnCommit registers fn to run after Commit succeeds. Handlers run outside
// any lock, in registration order.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Commit rebalances underfull nodes, spills dirty nodes to fresh pages,
// writes the freelist and every dirty page, then atomically publishes the
// new state by writing the alternate meta page. The step order matters:
// reordering any of these steps risks leaving the file in a state a
// crash can't safely recover from.
func (tx *Tx) Commit() error {
	_assert(!tx.managed, "managed tx commit not allowed")
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	start := time.Now()
	tx.root.rebalance()
	if tx.stats.RebalanceCount > 0 {
		tx.stats.RebalanceTime += time.Since(start)
	}

	opgid := tx.meta.pgid

	start = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.SpillTime += time.Since(start)

	tx.meta.root = *tx.root.bucket

	if tx.meta.freelist != noPage {
		tx.fl.free(tx.meta.txid, tx.db.page(tx.meta.freelist))
	}

	p, err := tx.allocate((tx.fl.size() / tx.db.pageSize) + 1)
	if err != nil {
		tx.rollback()
		return err
	}
	tx.fl.write(p)
	tx.meta.freelist = p.id

	if tx.meta.pgid > opgid {
		if err := tx.db.grow(int(tx.meta.pgid+1) * tx.db.pageSize); err != nil {
			tx.rollback()
			return err
		}
	}

	start = time.Now()
	if err := tx.write(); err != nil {
		tx.rollback()
		return err
	}

	if tx.db.StrictMode {
		if errs := tx.Check(); len(errs) > 0 {
			panic(fmt.Sprintf("check fail: %v", errs))
		}
	}

	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.WriteTime += time.Since(start)

	// The meta page is durable; this generation exists. Publish the tx's
	// freelist as the new global one.
	tx.db.metalock.Lock()
	tx.db.freelist = tx.fl
	tx.db.metalock.Unlock()

	db := tx.db
	stats := tx.stats
	txid := tx.meta.txid
	tx.close()

	db.recordCommitMetrics(stats)
	db.logEvent("commit", map[string]interface{}{"txid": uint64(txid), "pages_written": stats.Write})

	for _, fn := range tx.commitHandlers {
		fn()
	}
	return nil
}

// Rollback discards every change made in this transaction. A read-only
// transaction must always be rolled back (never committed) when done.
func (tx *Tx) Rollback() error {
	_assert(!tx.managed, "managed tx rollback not allowed")
	if tx.db == nil {
		return ErrTxClosed
	}
	if tx.writable {
		tx.db.recordRollbackMetric()
	}
	tx.rollback()
	return nil
}

// rollback discards the transaction. No undo work is needed: dirty
// nodes were never written over their old pages, the freelist clone is
// simply dropped, and the global meta still names the old generation.
// The file may hold garbage pages beyond the committed num_pages; they
// are ignored.
func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()

		tx.db.statlock.Lock()
		tx.db.stats.FreePageN = tx.db.freelist.count() - tx.db.freelist.pendingCount()
		tx.db.stats.PendingPageN = tx.db.freelist.pendingCount()
		tx.db.stats.FreeAlloc = tx.db.freelist.count() * tx.db.pageSize
		tx.db.stats.TxStats.add(tx.stats)
		tx.db.statlock.Unlock()
	} else {
		tx.db.removeTx(tx)
	}
	tx.db = nil
	tx.meta = nil
	tx.root = nil
	tx.pages = nil
}

// dereference copies every byte slice this transaction's dirty nodes
// still alias from the mmap onto the heap. Called before a remap (see
// DB.mmap) so in-flight writes survive the old mapping being unmapped.
func (tx *Tx) dereference() {
	if tx.root != nil {
		tx.root.dereferenceAll()
	}
}

// allocate reserves count contiguous pages for this transaction's use,
// preferring freelist reuse over growing the file.
func (tx *Tx) allocate(count int) (*page, error) {
	p, err := tx.db.allocate(tx.fl, count)
	if err != nil {
		return nil, err
	}
	tx.pages[p.id] = p
	tx.stats.PageCount += count
	tx.stats.PageAlloc += count * tx.db.pageSize
	return p, nil
}

// write flushes every dirty page to the backing file and fsyncs it.
func (tx *Tx) write() error {
	ps := make(pagesByID, 0, len(tx.pages))
	for _, p := range tx.pages {
		ps = append(ps, p)
	}
	tx.pages = make(map[pgid]*page)
	sort.Sort(ps)

	for _, p := range ps {
		size := (int(p.overflow) + 1) * tx.db.pageSize
		offset := int64(p.id) * int64(tx.db.pageSize)
		buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
		if _, err := tx.db.ops.writeAt(buf, offset); err != nil {
			return err
		}
		tx.stats.Write++
	}

	if !tx.db.NoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}
	return nil
}

// writeMeta writes the alternate meta page (the one not used to open this
// generation) and syncs it. Only after this returns successfully is the
// new transaction durable and visible to future opens.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := tx.db.pageInBuffer(buf, 0)
	// Alternate the slot: even txids land on page 0, odd on page 1, so a
	// failure here leaves the other slot's generation untouched.
	p.id = pgid(tx.meta.txid % 2)
	tx.meta.write(p)

	if _, err := tx.db.ops.writeAt(buf, int64(p.id)*int64(tx.db.pageSize)); err != nil {
		return err
	}
	if !tx.db.NoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}
	tx.stats.Write++
	return nil
}

// page returns the page for id, preferring this tx's own dirty copy (if
// it was allocated or rewritten by this tx) over the mmap'd original.
func (tx *Tx) page(id pgid) *page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p
		}
	}
	return tx.db.page(id)
}

// forEachPage walks every page reachable from root, depth-first, calling
// fn with each page and its depth below root.
func (tx *Tx) forEachPage(root pgid, depth int, fn func(p *page, depth int)) {
	p := tx.page(root)
	fn(p, depth)
	if (p.flags & branchPageFlag) != 0 {
		for _, elem := range p.branchPageElements() {
			tx.forEachPage(elem.pgid, depth+1, fn)
		}
	}
}

// PageInfo describes one page for diagnostic inspection via Tx.Page.
type PageInfo struct {
	ID            int
	Type          string
	Count         int
	OverflowCount int
}

// Page returns diagnostic info for page id, or nil if id is beyond the
// database's current high-water mark.
func (tx *Tx) Page(id int) (*PageInfo, error) {
	if tx.db == nil {
		return nil, ErrTxClosed
	} else if pgid(id) >= tx.meta.pgid {
		return nil, nil
	}

	p := tx.db.page(pgid(id))
	info := &PageInfo{ID: id, Count: int(p.count), OverflowCount: int(p.overflow)}
	if tx.fl.freed(pgid(id)) {
		info.Type = "free"
	} else {
		info.Type = p.typ()
	}
	return info, nil
}

// Check walks the whole tree reachable from every top-level bucket and
// returns every consistency error found: a page claimed by more than one
// owner, a page whose type doesn't match what its parent expects
// (supplementing the original bbolt walk with jammdb's "every reachable
// page has the type its referrer thinks it has" check), or a page that is
// simultaneously marked free and reachable from the tree.
func (tx *Tx) Check() []error {
	var errs []error
	seen := make(map[pgid]bool)

	var walk func(id pgid, wantLeaf, wantBranch bool)
	walk = func(id pgid, wantLeaf, wantBranch bool) {
		if seen[id] {
			errs = append(errs, fmt.Errorf("page %d: multiple references", id))
			return
		}
		seen[id] = true

		if tx.fl.freed(id) {
			errs = append(errs, fmt.Errorf("page %d: reachable but marked free", id))
		}

		p := tx.page(id)
		isBranch := (p.flags & branchPageFlag) != 0
		isLeaf := (p.flags & leafPageFlag) != 0
		if wantBranch && !isBranch {
			errs = append(errs, fmt.Errorf("page %d: expected branch page, has type %s", id, p.typ()))
		}
		if wantLeaf && !isLeaf {
			errs = append(errs, fmt.Errorf("page %d: expected leaf page, has type %s", id, p.typ()))
		}
		if !isBranch && !isLeaf {
			errs = append(errs, fmt.Errorf("page %d: expected branch or leaf page, has type %s", id, p.typ()))
		}

		if isBranch {
			var prev []byte
			elems := p.branchPageElements()
			for i := range elems {
				elem := &elems[i]
				if prev != nil && bytes.Compare(prev, elem.key()) >= 0 {
					errs = append(errs, fmt.Errorf("page %d: branch keys out of order at %x", id, elem.key()))
				}
				prev = elem.key()
				if elem.pgid <= 1 {
					errs = append(errs, fmt.Errorf("page %d: branch child points at meta page %d", id, elem.pgid))
					continue
				}
				walk(elem.pgid, false, false)
			}
		} else if isLeaf {
			var prev []byte
			elems := p.leafPageElements()
			for i := range elems {
				elem := &elems[i]
				if prev != nil && bytes.Compare(prev, elem.key()) >= 0 {
					errs = append(errs, fmt.Errorf("page %d: leaf keys out of order at %x", id, elem.key()))
				}
				prev = elem.key()
				if elem.isBucketEntry() {
					sub := decodeBucket(elem.value())
					if sub.root != noPage {
						walk(sub.root, false, false)
					}
				}
			}
		}
	}

	tx.root.ForEachBucket(func(name []byte) error {
		b := tx.root.Bucket(name)
		if b.root != noPage {
			walk(b.root, false, false)
		}
		return nil
	})

	for _, id := range tx.fl.pages() {
		if seen[id] {
			errs = append(errs, fmt.Errorf("page %d: marked free but reachable from tree", id))
		}
	}

	if fp := tx.page(tx.meta.freelist); (fp.flags & freelistPageFlag) == 0 {
		errs = append(errs, fmt.Errorf("page %d: meta freelist pointer names a %s page", tx.meta.freelist, fp.typ()))
	}

	return errs
}

// TxStats holds I/O and internal-algorithm counters for one transaction.
type TxStats struct {
	PageCount int
	PageAlloc int

	CursorCount int

	NodeCount int
	NodeDeref int

	RebalanceCount int
	RebalanceTime  time.Duration

	SplitCount int
	SpillCount int
	SpillTime  time.Duration

	Write     int
	WriteTime time.Duration
}

func (s *TxStats) add(other TxStats) {
	s.PageCount += other.PageCount
	s.PageAlloc += other.PageAlloc
	s.CursorCount += other.CursorCount
	s.NodeCount += other.NodeCount
	s.NodeDeref += other.NodeDeref
	s.RebalanceCount += other.RebalanceCount
	s.RebalanceTime += other.RebalanceTime
	s.SplitCount += other.SplitCount
	s.SpillCount += other.SpillCount
	s.SpillTime += other.SpillTime
	s.Write += other.Write
	s.WriteTime += other.WriteTime
}

// pagesByID sorts pages by id, used to write dirty pages out in ascending
// file-offset order.
type pagesByID []*page

func (p pagesByID) Len() int           { return len(p) }
func (p pagesByID) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p pagesByID) Less(i, j int) bool { return p[i].id < p[j].id }
