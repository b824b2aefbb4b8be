package bolt

import (
	"bytes"
	"sort"
)

// pageNode is a unified accessor over either a clean page (read through
// the mmap) or a dirty node (materialized in the bucket's arena). The
// cursor and search code use it so descent logic never has to branch on
// whether a given tree position has been modified in this transaction.
type pageNode struct {
	pg  *page
	nid nodeID
	bkt *Bucket
}

func (pn pageNode) isLeaf() bool {
	if pn.nid != noNode {
		return pn.bkt.nodeRef(pn.nid).isLeaf
	}
	return (pn.pg.flags & leafPageFlag) != 0
}

func (pn pageNode) id() pgid {
	if pn.nid != noNode {
		return pn.bkt.nodeRef(pn.nid).pgid
	}
	return pn.pg.id
}

func (pn pageNode) len() int {
	if pn.nid != noNode {
		return len(pn.bkt.nodeRef(pn.nid).inodes)
	}
	return int(pn.pg.count)
}

// indexPage returns the child page id referenced by branch entry i.
func (pn pageNode) indexPage(i int) pgid {
	if pn.nid != noNode {
		return pn.bkt.nodeRef(pn.nid).inodes[i].pgid
	}
	return pn.pg.branchPageElement(uint16(i)).pgid
}

// val returns the key, value and leaf flags of entry i.
func (pn pageNode) val(i int) (key, value []byte, flags uint32) {
	if pn.nid != noNode {
		item := pn.bkt.nodeRef(pn.nid).inodes[i]
		return item.key, item.value, item.flags
	}
	elem := pn.pg.leafPageElement(uint16(i))
	var flg uint32
	if elem.isBucketEntry() {
		flg = leafFlagBucket
	}
	return elem.key(), elem.value(), flg
}

// key returns the key of entry i, valid for both branch and leaf pages.
func (pn pageNode) key(i int) []byte {
	if pn.nid != noNode {
		return pn.bkt.nodeRef(pn.nid).inodes[i].key
	}
	if pn.isLeaf() {
		return pn.pg.leafPageElement(uint16(i)).key()
	}
	return pn.pg.branchPageElement(uint16(i)).key()
}

// index performs a binary search for key, returning the matching index
// and true on an exact hit, or the predecessor's index (clamped to 0)
// and false when key is absent.
func (pn pageNode) index(key []byte) (int, bool) {
	n := pn.len()
	var exact bool
	i := sort.Search(n, func(i int) bool {
		cmp := bytes.Compare(pn.key(i), key)
		if cmp == 0 {
			exact = true
		}
		return cmp >= 0
	})
	if !exact && i > 0 {
		i--
	}
	return i, exact
}
