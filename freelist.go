package bolt

import (
	"fmt"
	"sort"
)

// freelist tracks which pages are available for reuse. free_pages are
// immediately available; pending holds pages freed by a given writer
// generation that may still be visible to an older open reader, and is
// only drained into free_pages once no reader that old remains (see
// release). This two-tier structure is what gives the engine MVCC
// without per-page reference counts: a page's pending bucket IS its
// reference count, keyed by the generation that can still see it.
type freelist struct {
	ids     pgids               // free_pages: sorted, immediately available
	pending map[txid]pgids      // tx_id -> pages freed by that tx, not yet releasable
	cache   map[pgid]struct{}   // fast membership test across ids + pending
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid]pgids),
		cache:   make(map[pgid]struct{}),
	}
}

// count returns the total number of tracked pages (free + pending).
func (f *freelist) count() int {
	return len(f.ids) + f.pendingCount()
}

func (f *freelist) pendingCount() int {
	n := 0
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// size returns the number of bytes needed to serialize this freelist,
// including the page header.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The overflow encoding spends one extra slot on the true count.
		n++
	}
	return pageHeaderSize + n*int(pgidSize)
}

const pgidSize = 8

// clone returns a deep copy, used by every transaction at open so a
// writer can mutate its working copy without affecting concurrently
// open readers (or the DB-global copy, until commit publishes it).
func (f *freelist) clone() *freelist {
	c := &freelist{
		ids:     make(pgids, len(f.ids)),
		pending: make(map[txid]pgids, len(f.pending)),
		cache:   make(map[pgid]struct{}, len(f.cache)),
	}
	copy(c.ids, f.ids)
	for id := range f.cache {
		c.cache[id] = struct{}{}
	}
	for t, ids := range f.pending {
		dup := make(pgids, len(ids))
		copy(dup, ids)
		c.pending[t] = dup
	}
	return c
}

// allocate scans free_pages for the first run of n contiguous ids and,
// on a hit, removes and returns the starting id. Returns 0 on a miss;
// the caller grows the file.
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}

		// Reset the start of the run if this id isn't contiguous with previd.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		// If we found a contiguous run of size n, remove it from free_pages.
		if (id-initial)+1 == pgid(n) {
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}
			return initial
		}

		previd = id
	}
	return 0
}

// free appends id (and the overflow run starting at it) to tx's pending
// queue. Pages 0 and 1 (the meta slots) must never be freed.
func (f *freelist) free(id txid, p *page) {
	_assert(p.id > 1, "cannot free meta page %d", p.id)

	pending := f.pending[id]
	for i := pgid(0); i <= pgid(p.overflow); i++ {
		freeID := p.id + i
		if _, ok := f.cache[freeID]; ok {
			panic(fmt.Sprintf("page %d already freed", freeID))
		}
		pending = append(pending, freeID)
		f.cache[freeID] = struct{}{}
	}
	f.pending[id] = pending
}

// release drains every pending bucket with tx id <= upTo into
// free_pages, merging to keep free_pages sorted. Callers pass
// oldest_reader_txid-1, so a page freed by generation T only becomes
// reusable once no reader at or before T remains.
func (f *freelist) release(upTo txid) {
	m := make(pgids, 0)
	for tid, ids := range f.pending {
		if tid <= upTo {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = f.ids.merge(m)
}

// freed reports whether a page id is currently tracked as free or pending.
func (f *freelist) freed(id pgid) bool {
	_, ok := f.cache[id]
	return ok
}

// pages returns the sorted union of free and pending ids, used when
// serializing the freelist page (everything freed — even if still
// pending — must be written out, since a crash turns every pending page
// into an immediately-free one on reopen).
func (f *freelist) pages() pgids {
	m := make(pgids, 0, f.pendingCount())
	for _, ids := range f.pending {
		m = append(m, ids...)
	}
	sort.Sort(m)
	return f.ids.merge(m)
}

// read initializes the freelist from a freelist page read at open.
func (f *freelist) read(p *page) {
	_assert((p.flags&freelistPageFlag) != 0, "invalid freelist page: %d, page type is %s", p.id, p.typ())

	ids := p.freelistPageIDs()
	f.ids = make(pgids, len(ids))
	copy(f.ids, ids)
	sort.Sort(f.ids)

	f.cache = make(map[pgid]struct{}, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = struct{}{}
	}
}

// write serializes every free and pending page id onto page p.
func (f *freelist) write(p *page) {
	p.flags |= freelistPageFlag

	ids := f.pages()
	n := len(ids)
	if n == 0 {
		p.count = 0
		return
	}
	if n < 0xFFFF {
		p.count = uint16(n)
		copy((*[maxElementCount]pgid)(p.dataPtr())[:n], ids)
	} else {
		// Overflow encoding: stash the true count in the first slot.
		p.count = 0xFFFF
		dst := (*[maxElementCount]pgid)(p.dataPtr())[: n+1 : n+1]
		dst[0] = pgid(n)
		copy(dst[1:], ids)
	}
}
