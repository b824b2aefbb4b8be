package bolt

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// Ensure a freelist finds the first run of n contiguous free pages,
// falling back to a miss (0) once no run of that length remains.
func TestFreelistAllocate(t *testing.T) {
	f := newFreelist()
	f.ids = pgids{6, 7, 13}

	assert.Equal(t, pgid(6), f.allocate(2))
	assert.Equal(t, pgids{13}, f.ids)

	assert.Equal(t, pgid(13), f.allocate(1))
	assert.Empty(t, f.ids)

	assert.Equal(t, pgid(0), f.allocate(1))
}

// Ensure pages freed under one txid stay pending until release(upTo)
// crosses that txid — this is the mechanism that gives readers a stable
// view of a generation even after a later writer frees its pages.
func TestFreelistReleasePending(t *testing.T) {
	f := newFreelist()

	p := &page{id: 10}
	f.free(100, p)
	assert.True(t, f.freed(10))
	assert.Empty(t, f.ids)

	f.release(99)
	assert.True(t, f.freed(10), "page freed under txid 100 must survive release(99)")

	f.release(100)
	assert.Equal(t, pgids{10}, f.ids)
}

// Ensure an overflow page run is freed as a single contiguous block.
func TestFreelistFreeOverflowRun(t *testing.T) {
	f := newFreelist()
	p := &page{id: 20, overflow: 2}
	f.free(1, p)

	assert.True(t, f.freed(20))
	assert.True(t, f.freed(21))
	assert.True(t, f.freed(22))
	assert.False(t, f.freed(23))
}

// Ensure clone produces a fully independent copy: frees and releases on
// the clone must never leak back into the original, since a writer
// works on a clone and only publishes it if it commits.
func TestFreelistCloneIsIndependent(t *testing.T) {
	f := newFreelist()
	f.ids = pgids{4, 5}
	f.cache[4] = struct{}{}
	f.cache[5] = struct{}{}

	c := f.clone()
	c.free(7, &page{id: 10})
	assert.Equal(t, pgid(4), c.allocate(2))

	assert.False(t, f.freed(10), "free on the clone must not touch the original")
	assert.Equal(t, pgids{4, 5}, f.ids, "allocate on the clone must not touch the original")
}

// Ensure a freelist can be written to and read back from a page losslessly.
func TestFreelistWriteRead(t *testing.T) {
	f := newFreelist()
	f.ids = pgids{3, 5, 9}
	f.pending[100] = pgids{12}

	var buf [4096]byte
	p := (*page)(unsafe.Pointer(&buf[0]))
	f.write(p)

	f2 := newFreelist()
	f2.read(p)

	assert.Equal(t, pgids{3, 5, 9, 12}, f2.ids)
}
