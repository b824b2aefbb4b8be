package bolt

import (
	"hash/fnv"
	"unsafe"
)

const (
	magic   uint32 = 0x00ABCDEF
	version uint32 = 1
)

// meta is the on-disk header describing the committed root of one
// generation of the tree. Two copies live at page 0 and page 1; the one
// with the higher txid and a valid hash is the current generation.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucket // root.root is the root page of the top-level bucket b+tree; root.sequence counts top-level bucket creations
	freelist pgid
	pgid     pgid // high water mark: number of pages currently in use
	txid     txid
	checksum uint64
}

const metaHeaderSize = int(unsafe.Sizeof(meta{}))

// hash computes the digest over every field preceding checksum. The
// magic is part of the hashed bytes, so a file from an unrelated format
// with the same layout will not validate by accident.
func (m *meta) hash() uint64 {
	h := fnv.New64a()
	var buf [metaHeaderSize]byte
	*(*meta)(unsafe.Pointer(&buf[0])) = *m
	// Zero out the checksum field itself before hashing.
	checksumOffset := unsafe.Offsetof(m.checksum)
	for i := range buf[checksumOffset : checksumOffset+8] {
		buf[int(checksumOffset)+i] = 0
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// validate returns nil if the meta page is well-formed: magic/version
// match the format this binary understands, and the stored checksum
// matches the recomputed hash.
func (m *meta) validate() error {
	if m.magic != magic {
		return ErrInvalid
	} else if m.version != version {
		return ErrVersionMismatch
	} else if m.checksum != m.hash() {
		return ErrChecksum
	}
	return nil
}

// copy duplicates the meta record into dest.
func (m *meta) copy(dest *meta) {
	*dest = *m
}

// write serializes the meta into page p (which must already have its id
// set to 0 or 1) and stamps the checksum last.
func (m *meta) write(p *page) {
	_assert(m.root.root < m.pgid, "root bucket pgid (%d) above high water mark (%d)", m.root.root, m.pgid)
	_assert(p.id == 0 || p.id == 1, "meta page must be 0 or 1, got %d", p.id)

	m.checksum = m.hash()
	p.flags |= metaPageFlag
	*p.meta() = *m
}
