package bolt

import (
	"bytes"
	"sort"
)

// nodeID indexes into a Bucket's node arena. Inter-node references
// (parent, children) are always ids into that arena, never raw pointers:
// a node never aliases another node directly, so there is no way to
// build a reference cycle, and a node can be replaced in the arena
// without invalidating anyone else's reference to it.
type nodeID uint64

// noNode is the zero value: "no node" (arena slot 0 is never used).
const noNode nodeID = 0

// node is the in-memory, mutable image of one page, materialized the
// first time a write touches it. It carries either branch or leaf
// inodes, never both.
type node struct {
	id         nodeID
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	deleted    bool
	key        []byte // original_key: the key this node's parent branch used to reference it
	pgid       pgid   // 0 if this node has never been written to a page
	parent     nodeID
	children   []nodeID
	inodes     inodes
}

// inode is one entry of a node: either a leaf kv (or nested-bucket
// record, flagged) or a branch pointer to a child page.
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

func (n *node) root() *node {
	if n.parent == noNode {
		return n
	}
	return n.bucket.nodeRef(n.parent).root()
}

// minKeys returns minKeysPerNode except for leaves, which need only 1
// entry to remain valid (a leaf with zero entries is simply empty, not
// invalid — only branches need >= 2 children to stay well-formed).
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return minKeysPerNode
}

func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

const (
	leafPageElementSize   = 16 // flags, pos, ksize, vsize: 4 uint32s
	branchPageElementSize = 16 // pos, ksize (uint32 x2) + pgid (uint64)
)

// size returns the byte size of this node after serialization.
func (n *node) size() int {
	size := pageHeaderSize
	elemSize := n.pageElementSize()
	for _, item := range n.inodes {
		size += elemSize + len(item.key) + len(item.value)
	}
	return size
}

// sizeLessThan reports whether the serialized size stays under max
// without computing the full size (short-circuits on large nodes).
func (n *node) sizeLessThan(max int) bool {
	size := pageHeaderSize
	elemSize := n.pageElementSize()
	for _, item := range n.inodes {
		size += elemSize + len(item.key) + len(item.value)
		if size >= max {
			return false
		}
	}
	return true
}

func (n *node) childAt(index int) *node {
	_assert(!n.isLeaf, "invalid childAt(%d) on a leaf node", index)
	return n.bucket.nodeRef(n.bucket.node(n.inodes[index].pgid, n.id))
}

func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
}

func (n *node) numChildren() int {
	return len(n.inodes)
}

func (n *node) nextSibling() *node {
	if n.parent == noNode {
		return nil
	}
	p := n.bucket.nodeRef(n.parent)
	idx := p.childIndex(n)
	if idx >= p.numChildren()-1 {
		return nil
	}
	return p.childAt(idx + 1)
}

func (n *node) prevSibling() *node {
	if n.parent == noNode {
		return nil
	}
	p := n.bucket.nodeRef(n.parent)
	idx := p.childIndex(n)
	if idx == 0 {
		return nil
	}
	return p.childAt(idx - 1)
}

// put inserts or replaces the inode for oldKey (the key this entry is
// currently filed under) with the new key/value/pgid/flags. oldKey and
// newKey differ when a child's first key has changed and the parent's
// branch entry for it needs updating.
func (n *node) put(oldKey, newKey, value []byte, pgid pgid, flags uint32) {
	if pgid >= n.bucket.tx.meta.pgid {
		_assert(false, "pgid (%d) above high water mark (%d)", pgid, n.bucket.tx.meta.pgid)
	} else if len(oldKey) <= 0 {
		_assert(false, "put: zero-length old key")
	} else if len(newKey) <= 0 {
		_assert(false, "put: zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, oldKey) != -1 })

	exact := index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	in := &n.inodes[index]
	in.flags = flags
	in.key = newKey
	in.value = value
	in.pgid = pgid
	_assert(len(in.key) > 0, "put: zero-length inode key")
}

// del removes the inode for key, if present, and marks the node
// unbalanced so it is visited during the next rebalance pass.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, key) != -1 })
	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}
	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read deserializes a page into this node. Key/value byte slices alias
// the page's backing storage directly (no copy); if that storage is an
// mmap region that may be unmapped by a later remap, dereferenceAll
// must run first.
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = (p.flags & leafPageFlag) != 0
	n.inodes = make(inodes, int(p.count))

	for i := 0; i < int(p.count); i++ {
		item := &n.inodes[i]
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			if elem.isBucketEntry() {
				item.flags = leafFlagBucket
			}
			item.key = elem.key()
			item.value = elem.value()
		} else {
			elem := p.branchPageElement(uint16(i))
			item.pgid = elem.pgid
			item.key = elem.key()
		}
		_assert(len(item.key) > 0, "read: zero-length inode key")
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes the node onto page p, which must be large enough
// (p.overflow+1 contiguous pages) to hold it.
func (n *node) write(p *page) {
	if n.isLeaf {
		p.flags |= leafPageFlag
	} else {
		p.flags |= branchPageFlag
	}
	_assert(len(n.inodes) < 0xFFFF, "node has too many inodes to write: %d", len(n.inodes))
	p.count = uint16(len(n.inodes))
	if len(n.inodes) == 0 {
		return
	}

	elemSize := n.pageElementSize()
	heapOffset := elemSize * len(n.inodes)

	for i := range n.inodes {
		item := &n.inodes[i]
		_assert(len(item.key) > 0, "write: zero-length inode key")

		// pos is relative to the element header itself, so element i's
		// data sits heapOffset-i*elemSize bytes past its own header.
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			elem.pos = uint32(heapOffset - i*elemSize)
			elem.flags = item.flags
			elem.ksize = uint32(len(item.key))
			elem.vsize = uint32(len(item.value))
		} else {
			elem := p.branchPageElement(uint16(i))
			elem.pos = uint32(heapOffset - i*elemSize)
			elem.ksize = uint32(len(item.key))
			elem.pgid = item.pgid
			_assert(elem.pgid != p.id, "write: circular reference to page %d", p.id)
		}

		l := len(item.key) + len(item.value)
		dest := (*[maxAllocSize]byte)(p.dataPtr())[heapOffset : heapOffset+l]
		n2 := copy(dest, item.key)
		copy(dest[n2:], item.value)
		heapOffset += l
	}
}

// split breaks a node into [n, siblings...] if it has grown past the
// point where it should be written as a single page. Each call to
// splitTwo may itself produce an oversized remainder, so this loops
// until every piece fits.
func (n *node) split(pageSize int) []*node {
	var nodes []*node
	cur := n
	for {
		a, b := cur.splitTwo(pageSize)
		nodes = append(nodes, a)
		if b == nil {
			return nodes
		}
		cur = b
	}
}

// splitTwo peels at most one sibling off the head of n, synthesizing a
// parent branch node first if n was the bucket's root. Returns (n, nil)
// if n does not need to split at all.
func (n *node) splitTwo(pageSize int) (*node, *node) {
	if len(n.inodes) <= minKeysPerNode*2 || n.sizeLessThan(pageSize) {
		return n, nil
	}

	threshold := int(float64(pageSize) * fillPercent(n))
	splitIndex := n.splitIndex(threshold)

	if n.parent == noNode {
		parent := &node{bucket: n.bucket, isLeaf: false}
		pid := n.bucket.addNode(parent)
		parent.children = append(parent.children, n.id)
		n.parent = pid
	}

	next := &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
	nid := n.bucket.addNode(next)
	parentNode := n.bucket.nodeRef(n.parent)
	parentNode.children = append(parentNode.children, nid)

	next.inodes = n.inodes[splitIndex:]
	n.inodes = n.inodes[:splitIndex]

	n.bucket.tx.stats.SplitCount++

	return n, next
}

// splitIndex walks entries accumulating header+key(+value) size and
// returns the index at which the left side first reaches threshold
// bytes while keeping at least minKeysPerNode entries on both sides.
func (n *node) splitIndex(threshold int) int {
	sz := pageHeaderSize
	elemSize := n.pageElementSize()
	index := 0
	for i := 0; i < len(n.inodes)-minKeysPerNode; i++ {
		index = i
		item := n.inodes[i]
		itemSize := elemSize + len(item.key) + len(item.value)
		if i >= minKeysPerNode && sz+itemSize > threshold {
			break
		}
		sz += itemSize
	}
	return index
}

func fillPercent(n *node) float64 {
	if n.bucket.FillPercent > 0 {
		return n.bucket.FillPercent
	}
	return defaultFillPercent
}

const (
	minKeysPerNode     = 2
	defaultFillPercent = 0.5
)

// free returns the node's current page (if any) to the freelist. Used
// when a node is merged away or replaced by a freshly-spilled copy.
func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.fl.free(n.bucket.tx.meta.txid, n.bucket.tx.page(n.pgid))
		n.pgid = 0
	}
}

// dereference copies every key/value byte slice referenced by this node
// onto the heap, so the node survives an mmap remap.
func (n *node) dereference() {
	if n.bucket != nil {
		n.bucket.tx.stats.NodeDeref++
	}
	if n.key != nil {
		key := make([]byte, len(n.key))
		copy(key, n.key)
		n.key = key
	}
	for i := range n.inodes {
		item := &n.inodes[i]
		key := make([]byte, len(item.key))
		copy(key, item.key)
		item.key = key

		value := make([]byte, len(item.value))
		copy(value, item.value)
		item.value = value
	}
}

// removeChild drops target from n's in-memory children list. It does
// not touch n.inodes; callers update those separately.
func (n *node) removeChild(target *node) {
	for i, cid := range n.children {
		if cid == target.id {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// spill assigns fresh pages to this node (and, depth-first, to every
// dirty child already reached through n.children) and writes them out.
// Children spill first, then this node's own split pieces are allocated
// and written, and the parent's branch entry is updated to point at the
// freshly allocated page.
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	for _, cid := range n.children {
		if err := n.bucket.nodeRef(cid).spill(); err != nil {
			return err
		}
	}
	n.children = nil

	if n.pgid > 0 {
		tx.fl.free(tx.meta.txid, tx.page(n.pgid))
		n.pgid = 0
	}

	for _, piece := range n.split(tx.db.pageSize) {
		p, err := tx.allocate((piece.size() / tx.db.pageSize) + 1)
		if err != nil {
			return err
		}
		_assert(p.id < tx.meta.pgid, "pgid (%d) above high water mark (%d)", p.id, tx.meta.pgid)

		piece.pgid = p.id
		piece.write(p)
		piece.spilled = true

		if piece.parent != noNode {
			parent := n.bucket.nodeRef(piece.parent)
			key := piece.key
			if key == nil {
				key = piece.inodes[0].key
			}
			parent.put(key, piece.inodes[0].key, nil, piece.pgid, 0)
			piece.key = piece.inodes[0].key
			_assert(len(piece.key) > 0, "spill: zero-length node key")
		}

		tx.stats.SpillCount++
	}

	// split may have synthesized a brand-new parent (a root split); that
	// parent has never been written, so spill it too.
	if n.parent != noNode {
		if parent := n.bucket.nodeRef(n.parent); parent.pgid == 0 {
			return parent.spill()
		}
	}

	return nil
}

// rebalance merges or redistributes n with a sibling when it has
// dropped below the minimum entry count or a quarter page of data.
// unbalanced is set by node.del and cleared here.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false
	n.bucket.tx.stats.RebalanceCount++

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	// Root node: collapse a single-child branch by promoting the child.
	if n.parent == noNode {
		if !n.isLeaf && len(n.inodes) == 1 {
			childID, ok := n.bucket.nodeByPage[n.inodes[0].pgid]
			if !ok {
				childID = n.bucket.node(n.inodes[0].pgid, n.id)
			}
			child := n.bucket.nodeRef(childID)

			n.isLeaf = child.isLeaf
			n.inodes = child.inodes
			n.children = child.children

			for _, cid := range n.children {
				n.bucket.nodeRef(cid).parent = n.id
			}

			child.parent = noNode
			delete(n.bucket.nodeByPage, child.pgid)
			child.deleted = true
			child.free()
		}
		return
	}

	parentNode := n.bucket.nodeRef(n.parent)
	_assert(parentNode.numChildren() > 1, "parent must have at least 2 children")

	// Destination is the right sibling if n is the first child, else the left.
	var target *node
	useNextSibling := parentNode.childIndex(n) == 0
	if useNextSibling {
		target = n.nextSibling()
	} else {
		target = n.prevSibling()
	}

	reparent := func(childPgid pgid, newParent *node) {
		cid, ok := n.bucket.nodeByPage[childPgid]
		if !ok {
			return
		}
		c := n.bucket.nodeRef(cid)
		n.bucket.nodeRef(c.parent).removeChild(c)
		c.parent = newParent.id
		newParent.children = append(newParent.children, cid)
	}

	// Target has room to spare: borrow one entry instead of merging.
	if target.numChildren() > target.minKeys() {
		if useNextSibling {
			reparent(target.inodes[0].pgid, n)
			n.inodes = append(n.inodes, target.inodes[0])
			target.inodes = target.inodes[1:]

			tparent := n.bucket.nodeRef(target.parent)
			tparent.put(target.key, target.inodes[0].key, nil, target.pgid, 0)
			target.key = target.inodes[0].key
		} else {
			last := target.inodes[len(target.inodes)-1]
			reparent(last.pgid, n)
			n.inodes = append(n.inodes, inode{})
			copy(n.inodes[1:], n.inodes)
			n.inodes[0] = last
			target.inodes = target.inodes[:len(target.inodes)-1]
		}

		parentNode.put(n.key, n.inodes[0].key, nil, n.pgid, 0)
		n.key = n.inodes[0].key
		return
	}

	// Both n and target are underfull: merge them into one node.
	if useNextSibling {
		for _, item := range target.inodes {
			reparent(item.pgid, n)
		}
		n.inodes = append(n.inodes, target.inodes...)
		parentNode.del(target.key)
		parentNode.removeChild(target)
		delete(n.bucket.nodeByPage, target.pgid)
		target.deleted = true
		target.free()
	} else {
		for _, item := range n.inodes {
			reparent(item.pgid, target)
		}
		target.inodes = append(target.inodes, n.inodes...)
		parentNode.del(n.key)
		parentNode.removeChild(n)
		parentNode.put(target.key, target.inodes[0].key, nil, target.pgid, 0)
		delete(n.bucket.nodeByPage, n.pgid)
		n.deleted = true
		n.free()
	}

	parentNode.rebalance()
}
