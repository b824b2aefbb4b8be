package bolt

import (
	"bytes"
	"fmt"
	"unsafe"
)

const (
	// MaxKeySize is the largest key, in bytes, that can be inserted.
	MaxKeySize = 32768
	// MaxValueSize is the largest value, in bytes, that can be inserted.
	MaxValueSize = (1 << 31) - 2
	// MaxBucketNameSize is the largest allowed bucket name, in bytes.
	MaxBucketNameSize = MaxKeySize
)

// Page 0 is never a legal location for real content: pages 0 and 1 are
// the permanent meta slots, so 0 doubles as "this bucket has never been
// spilled to a page" inside a bucket record.
const noPage pgid = 0

// bucket is the on-disk record describing one bucket's tree: the page
// its root lives at (0 if the bucket was created in this generation and
// has no committed pages yet) and its auto-increment counter.
type bucket struct {
	root     pgid
	sequence uint64
}

const bucketHeaderSize = int(unsafe.Sizeof(bucket{}))

func (b *bucket) encode() []byte {
	buf := make([]byte, bucketHeaderSize)
	*(*bucket)(unsafe.Pointer(&buf[0])) = *b
	return buf
}

func decodeBucket(raw []byte) bucket {
	_assert(len(raw) >= bucketHeaderSize, "short bucket record: %d bytes", len(raw))
	return *(*bucket)(unsafe.Pointer(&raw[0]))
}

// Bucket is a named, ordered collection of key/value pairs and/or
// nested buckets — the unit of scoping for the whole tree. A Bucket
// handle is only valid for the lifetime of the transaction that
// produced it.
type Bucket struct {
	*bucket
	tx          *Tx
	name        []byte
	buckets     map[string]*Bucket // cached sub-bucket handles, by name
	rootNode    nodeID             // arena id of the materialized root node
	nodes       []*node            // the node arena; index i holds nodeID i+1
	nodeByPage  map[pgid]nodeID    // a page is materialized into a node at most once per tx
	pageParents map[pgid]pgid      // child page -> parent page, filled lazily by the cursor
	FillPercent float64
	deleted     bool
}

func newBucket(tx *Tx) *Bucket {
	return &Bucket{
		tx:          tx,
		buckets:     make(map[string]*Bucket),
		nodeByPage:  make(map[pgid]nodeID),
		pageParents: make(map[pgid]pgid),
		FillPercent: defaultFillPercent,
	}
}

// Name returns the name of the bucket.
func (b *Bucket) Name() []byte { return b.name }

// Writable reports whether the bucket's owning transaction allows mutation.
func (b *Bucket) Writable() bool { return b.tx.writable }

func (b *Bucket) checkLive() {
	_assert(!b.deleted, "use of bucket deleted in this transaction")
}

// nodeRef returns the node stored at id.
func (b *Bucket) nodeRef(id nodeID) *node {
	_assert(id != noNode, "nodeRef(noNode)")
	return b.nodes[id-1]
}

// addNode appends n to the arena and returns its new id.
func (b *Bucket) addNode(n *node) nodeID {
	b.nodes = append(b.nodes, n)
	id := nodeID(len(b.nodes))
	n.id = id
	n.bucket = b
	return id
}

// node returns the node materialized from page id, recursively
// materializing its parent first if parent is unknown and a lazily
// recorded pageParents entry exists for it. A pgid of 0 means "this
// bucket's root has never been written to a page" and synthesizes a
// fresh, empty leaf instead of reading anything.
func (b *Bucket) node(id pgid, parent nodeID) nodeID {
	if nid, ok := b.nodeByPage[id]; ok {
		return nid
	}

	var parentNode *node
	if parent != noNode {
		parentNode = b.nodeRef(parent)
	} else if id != noPage {
		if parentPgid, ok := b.pageParents[id]; ok {
			parentNode = b.nodeRef(b.node(parentPgid, noNode))
		}
	}

	n := &node{}
	if parentNode != nil {
		n.parent = parentNode.id
	}

	if id == noPage {
		n.isLeaf = true
	} else {
		n.read(b.tx.page(id))
	}

	nid := b.addNode(n)
	b.nodeByPage[id] = nid
	b.tx.stats.NodeCount++

	if parentNode != nil {
		parentNode.children = append(parentNode.children, nid)
	}
	if id == b.root || (id == noPage && b.root == noPage) {
		b.rootNode = nid
	}
	return nid
}

// rootPageNode returns the unified view over this bucket's root,
// preferring an already-materialized dirty node over re-reading the
// on-disk page.
func (b *Bucket) rootPageNode() pageNode {
	if b.rootNode != noNode {
		return pageNode{nid: b.rootNode, bkt: b}
	}
	return pageNode{pg: b.tx.page(b.root), bkt: b}
}

// pageNode returns the unified view over the page or node at id,
// recording (id -> parent) in pageParents so a later mutation can find
// its way back up without re-descending.
func (b *Bucket) pageNode(id pgid, parent pgid) pageNode {
	if id != parent {
		b.pageParents[id] = parent
	}
	if nid, ok := b.nodeByPage[id]; ok {
		return pageNode{nid: nid, bkt: b}
	}
	return pageNode{pg: b.tx.page(id), bkt: b}
}

// Cursor creates a cursor for iterating this bucket's key/value pairs
// and nested buckets in key order. Valid only while the transaction is open.
func (b *Bucket) Cursor() *Cursor {
	b.checkLive()
	b.tx.stats.CursorCount++
	return &Cursor{bucket: b}
}

// Get returns the value for key, or nil if key does not exist or
// refers to a nested bucket rather than a plain value.
func (b *Bucket) Get(key []byte) []byte {
	b.checkLive()
	item, flags, found := b.get(key)
	if !found || (flags&leafFlagBucket) != 0 {
		return nil
	}
	return item
}

// Entry returns the raw leaf entry for key, reporting whether it is a
// nested-bucket record rather than a plain value. Get filters bucket
// entries out; Entry is for callers that want to see both kinds.
func (b *Bucket) Entry(key []byte) (value []byte, isBucket bool, found bool) {
	b.checkLive()
	v, flags, ok := b.get(key)
	return v, (flags & leafFlagBucket) != 0, ok
}

// get returns the raw leaf entry for key: its bytes, its flags (so the
// caller can tell a nested-bucket record from a plain value), and
// whether the key was present at all.
func (b *Bucket) get(key []byte) (value []byte, flags uint32, found bool) {
	c := b.Cursor()
	k, v, flg := c.Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, 0, false
	}
	return v, flg, true
}

// Put sets the value for key, replacing it if the key already exists.
// Inserting a brand-new key advances the bucket's sequence counter.
func (b *Bucket) Put(key []byte, value []byte) error {
	b.checkLive()
	if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	} else if int64(len(value)) > MaxValueSize {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.Seek(key)

	if bytes.Equal(k, key) && (flags&leafFlagBucket) != 0 {
		return ErrIncompatibleValue
	}
	isNewKey := !bytes.Equal(k, key)

	c.node().put(key, key, value, 0, 0)
	if isNewKey {
		b.sequence++
	}
	return nil
}

// Delete removes key from the bucket, failing with ErrKeyValueMissing
// if the key does not exist.
func (b *Bucket) Delete(key []byte) error {
	b.checkLive()
	if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.Seek(key)
	if !bytes.Equal(k, key) {
		return ErrKeyValueMissing
	}
	if (flags & leafFlagBucket) != 0 {
		return ErrIncompatibleValue
	}

	c.node().del(key)
	return nil
}

// NextSequence returns the bucket's auto-increment counter without
// advancing it; it only advances on a successful insert of a brand-new
// key or sub-bucket (see Put, CreateBucket).
func (b *Bucket) NextSequence() uint64 {
	return b.sequence
}

// Bucket retrieves a nested bucket by name, or nil if it doesn't exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	b.checkLive()
	if child, ok := b.buckets[string(name)]; ok {
		return child
	}

	c := b.Cursor()
	k, v, flags := c.Seek(name)
	if !bytes.Equal(name, k) || (flags&leafFlagBucket) == 0 {
		return nil
	}

	child := b.openBucket(v)
	child.name = append([]byte(nil), name...)
	b.buckets[string(name)] = child
	return child
}

// openBucket constructs a handle over an already-serialized bucket record.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)
	meta := decodeBucket(value)
	child.bucket = &meta
	return child
}

// CreateBucket creates a new, empty nested bucket under the given name.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	b.checkLive()
	if !b.Writable() {
		return nil, ErrTxNotWritable
	} else if len(name) == 0 {
		return nil, ErrBucketNameRequired
	} else if len(name) > MaxBucketNameSize {
		return nil, ErrKeyTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.Seek(name)
	if bytes.Equal(k, name) {
		if (flags & leafFlagBucket) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	child := newBucket(b.tx)
	child.bucket = &bucket{}
	child.rootNode = child.node(noPage, noNode)
	child.name = append([]byte(nil), name...)

	value := child.bucket.encode()
	c.node().put(name, name, value, 0, leafFlagBucket)
	b.sequence++

	b.buckets[string(name)] = child
	return child, nil
}

// CreateBucketIfNotExists is CreateBucket, but returns the existing
// bucket instead of ErrBucketExists if name is already a bucket.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == ErrBucketExists {
		return b.Bucket(name), nil
	}
	return child, err
}

// DeleteBucket deletes a nested bucket and returns every page reachable
// from its root to the freelist. A sub-bucket created in this
// transaction and never spilled (root page 0) frees nothing.
func (b *Bucket) DeleteBucket(name []byte) error {
	b.checkLive()
	if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.Seek(name)
	if !bytes.Equal(k, name) {
		return ErrBucketNotFound
	} else if (flags & leafFlagBucket) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(name)
	if err := child.forEachPageReachable(func(p *page) {
		b.tx.fl.free(b.tx.meta.txid, p)
	}); err != nil {
		return err
	}

	delete(b.buckets, string(name))
	child.deleted = true

	c.node().del(name)
	return nil
}

// forEachPageReachable walks every page reachable from this bucket's
// root: branch pages, leaves, and (recursively) the roots of any nested
// buckets referenced from those leaves.
func (b *Bucket) forEachPageReachable(fn func(p *page)) error {
	if b.root == noPage {
		return nil
	}
	var walk func(id pgid)
	walk = func(id pgid) {
		p := b.tx.page(id)
		fn(p)
		if (p.flags & branchPageFlag) != 0 {
			for _, elem := range p.branchPageElements() {
				walk(elem.pgid)
			}
		} else {
			elems := p.leafPageElements()
			for i := range elems {
				elem := &elems[i]
				if elem.isBucketEntry() {
					sub := decodeBucket(elem.value())
					if sub.root != noPage {
						walk(sub.root)
					}
				}
			}
		}
	}
	walk(b.root)
	return nil
}

// ForEach calls fn for every plain key/value pair in the bucket, in key
// order, skipping nested-bucket entries.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	b.checkLive()
	c := b.Cursor()
	for k, v, flags := c.First(); k != nil; k, v, flags = c.Next() {
		if (flags & leafFlagBucket) != 0 {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket calls fn with the name of every directly nested bucket,
// in key order.
func (b *Bucket) ForEachBucket(fn func(name []byte) error) error {
	b.checkLive()
	c := b.Cursor()
	for k, _, flags := c.First(); k != nil; k, _, flags = c.Next() {
		if (flags & leafFlagBucket) == 0 {
			continue
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Range calls fn for every plain key/value pair with min <= key and,
// depending on maxInclusive, key < max or key <= max. A nil max means
// unbounded above; a nil min means unbounded below.
func (b *Bucket) Range(min, max []byte, maxInclusive bool, fn func(k, v []byte) error) error {
	b.checkLive()
	c := b.Cursor()
	var k, v []byte
	var flags uint32
	if min == nil {
		k, v, flags = c.First()
	} else {
		k, v, flags = c.Seek(min)
		// Seek lands on key or its immediate predecessor; if min itself
		// isn't present, step forward once to reach the first key >= min.
		if k != nil && bytes.Compare(k, min) < 0 {
			k, v, flags = c.Next()
		}
	}
	for ; k != nil; k, v, flags = c.Next() {
		if max != nil {
			cmp := bytes.Compare(k, max)
			if maxInclusive && cmp > 0 {
				break
			}
			if !maxInclusive && cmp >= 0 {
				break
			}
		}
		if (flags & leafFlagBucket) != 0 {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Stat reports summary statistics about the pages making up this bucket.
type BucketStat struct {
	BranchPageCount   int
	LeafPageCount     int
	OverflowPageCount int
	KeyCount          int
	MaxDepth          int
}

// Stat walks the bucket's committed pages and reports aggregate stats.
// It does not account for in-memory, uncommitted changes.
func (b *Bucket) Stat() *BucketStat {
	s := &BucketStat{}
	if b.root == noPage {
		return s
	}
	b.tx.forEachPage(b.root, 0, func(p *page, depth int) {
		if (p.flags & leafPageFlag) != 0 {
			s.LeafPageCount++
			s.KeyCount += int(p.count)
		} else if (p.flags & branchPageFlag) != 0 {
			s.BranchPageCount++
		}
		s.OverflowPageCount += int(p.overflow)
		if depth+1 > s.MaxDepth {
			s.MaxDepth = depth + 1
		}
	})
	return s
}

func (b *Bucket) String() string {
	return fmt.Sprintf("Bucket<%q>", b.name)
}

// rebalance visits every materialized node in this bucket's arena (and,
// recursively, every cached sub-bucket) giving each a chance to merge
// with a sibling if it has dropped below the fill threshold. Must run
// before spill: spill assigns fresh pages, and a node merged away after
// spill would strand an already-written page.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// spill recursively serializes every dirty bucket's tree to fresh
// pages, bottom-up. A sub-bucket spills first; its refreshed record
// is then written into this bucket as the sub-bucket's leaf value
// (which may itself dirty this bucket's root node).
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		if err := child.spill(); err != nil {
			return err
		}
		if child.rootNode == noNode {
			continue // nothing materialized under child; its page didn't change
		}

		value := child.bucket.encode()
		c := b.Cursor()
		k, _, flags := c.Seek([]byte(name))
		_assert(bytes.Equal([]byte(name), k), "misplaced bucket header: %x -> %x", []byte(name), k)
		_assert((flags&leafFlagBucket) != 0, "unexpected bucket header flag: %x", flags)
		c.node().put([]byte(name), []byte(name), value, 0, leafFlagBucket)
	}

	if b.rootNode == noNode {
		return nil
	}

	root := b.nodeRef(b.rootNode)
	if err := root.spill(); err != nil {
		return err
	}

	top := root.root()
	b.rootNode = top.id
	b.root = top.pgid
	_assert(b.root < b.tx.meta.pgid, "root bucket pgid (%d) above high water mark (%d)", b.root, b.tx.meta.pgid)
	return nil
}

// dereferenceAll copies every node's key/value byte slices in this
// bucket (and recursively every cached sub-bucket) onto the heap, so
// none of them alias mmap'd memory that a pending remap is about to
// invalidate.
func (b *Bucket) dereferenceAll() {
	for _, n := range b.nodes {
		n.dereference()
	}
	for _, child := range b.buckets {
		child.dereferenceAll()
	}
}
