package bolt

// elemRef is one stack frame of a cursor's descent: a page/node view
// plus the index within it the cursor is currently pointing at.
type elemRef struct {
	pn    pageNode
	index int
}

func (r *elemRef) isLeaf() bool { return r.pn.isLeaf() }
func (r *elemRef) count() int   { return r.pn.len() }

// Cursor iterates a bucket's key/value pairs and nested buckets in
// sorted key order. A cursor is only valid for the lifetime of the
// transaction that created its bucket.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// Bucket returns the bucket this cursor was created from.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First positions the cursor at the first element of the bucket.
func (c *Cursor) First() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	pn := c.bucket.rootPageNode()
	c.stack = append(c.stack, elemRef{pn: pn, index: 0})
	c.descendLeftmost()
	if c.stack[len(c.stack)-1].count() == 0 {
		c.nextLeaf()
	}
	return c.keyValue()
}

// Last positions the cursor at the last element of the bucket.
func (c *Cursor) Last() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	pn := c.bucket.rootPageNode()
	ref := elemRef{pn: pn, index: pn.len() - 1}
	c.stack = append(c.stack, ref)
	c.descendRightmost()
	return c.keyValue()
}

// Next advances the cursor by one element and returns it, or a nil key
// once the cursor has advanced past the last element.
func (c *Cursor) Next() (key, value []byte, flags uint32) {
	return c.next()
}

func (c *Cursor) next() (key, value []byte, flags uint32) {
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	top := &c.stack[len(c.stack)-1]
	top.index++
	if top.index >= top.count() {
		if !c.nextLeaf() {
			return nil, nil, 0
		}
	} else if !top.isLeaf() {
		c.descendLeftmost()
	}
	return c.keyValue()
}

// nextLeaf pops exhausted stack frames and advances the next
// unexhausted ancestor by one, then descends back down to a leaf.
// Returns false if the whole tree has been exhausted.
func (c *Cursor) nextLeaf() bool {
	for i := len(c.stack) - 2; i >= 0; i-- {
		c.stack = c.stack[:i+1]
		ref := &c.stack[i]
		ref.index++
		if ref.index < ref.count() {
			c.descendLeftmost()
			return true
		}
	}
	c.stack = c.stack[:0]
	return false
}

// descendLeftmost descends from the current top-of-stack branch node
// down through first-children until it reaches a leaf.
func (c *Cursor) descendLeftmost() {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.isLeaf() {
			return
		}
		childID := top.pn.indexPage(top.index)
		child := c.bucket.pageNode(childID, top.pn.id())
		c.stack = append(c.stack, elemRef{pn: child, index: 0})
	}
}

func (c *Cursor) descendRightmost() {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.isLeaf() {
			return
		}
		childID := top.pn.indexPage(top.index)
		child := c.bucket.pageNode(childID, top.pn.id())
		c.stack = append(c.stack, elemRef{pn: child, index: child.len() - 1})
	}
}

// Seek positions the cursor at key, or at the immediate predecessor of
// key (clamped to the first element) if key is not present.
func (c *Cursor) Seek(key []byte) (k, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(key, c.bucket.rootPageNode())
	return c.keyValue()
}

// search recursively descends toward key, pushing a stack frame at each level.
func (c *Cursor) search(key []byte, pn pageNode) {
	index, exact := pn.index(key)
	c.stack = append(c.stack, elemRef{pn: pn, index: index})

	if pn.isLeaf() {
		_ = exact
		return
	}

	childID := pn.indexPage(index)
	child := c.bucket.pageNode(childID, pn.id())
	c.search(key, child)
}

// keyValue returns the key/value/flags at the cursor's current position.
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	ref := c.stack[len(c.stack)-1]
	if ref.index >= ref.count() || ref.count() == 0 {
		return nil, nil, 0
	}
	k, v, flags := ref.pn.val(ref.index)
	return k, v, flags
}

// node returns the in-memory node for the cursor's current position,
// materializing every node along the stack that hasn't been
// materialized yet, top-down.
func (c *Cursor) node() *node {
	_assert(len(c.stack) > 0, "accessing a node with a zero-length cursor stack")

	var n *node
	root := c.stack[0]
	if root.pn.nid != noNode {
		n = c.bucket.nodeRef(root.pn.nid)
	} else {
		n = c.bucket.nodeRef(c.bucket.node(root.pn.id(), noNode))
	}

	for _, ref := range c.stack[:len(c.stack)-1] {
		_assert(!n.isLeaf, "expected branch node")
		n = n.childAt(ref.index)
	}
	_assert(n.isLeaf, "expected leaf node")
	return n
}
