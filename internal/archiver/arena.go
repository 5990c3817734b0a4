package archiver

import (
	"encoding/binary"

	"github.com/kvarchive/engine/internal/common/errs"
)

// Arena is a fixed-increment, boundary-tag free-list memory manager backing
// the replacement-selection workspace (spec §4.F "a memory workspace holds
// raw log record bytes"). Blocks are allocated in increments of incr bytes
// up to max; free blocks of a given size are kept on a doubly-linked list
// whose prev/next pointers (as byte offsets into buf) live inside the block
// itself, exactly as the teacher's C++ fixed_lists_mem_t does with real
// pointers — Go has no block-relative pointer arithmetic, so offsets into
// buf stand in for list_header_t*.
//
// Each block is tagged at both ends (header tag, footer tag) with its size
// and an occupied bit in the tag's high bit, so a freed block's neighbors
// can be located and coalesced in O(1) without a separate side table.
type Arena struct {
	buf  []byte
	incr int
	max  int

	lists map[int]int // block size -> offset of first free block, or -1
	used  int
}

const (
	tagSize    = 4
	headerSize = tagSize + 8 + 8 // tag + next(8) + prev(8), offsets stored as int64
	footerSize = tagSize
	occupied   = uint32(0x80000000)
	sizeMask   = uint32(0x7FFFFFFF)
)

// NewArena allocates a workspace of bufsize bytes, with free blocks sized in
// increments of incr bytes up to max (spec supplement, grounded on
// mem_mgmt.h's fixed_lists_mem_t constructor defaults). The buffer is carved
// into blocks no larger than max up front; Allocate's search (findFit) tries
// the incr-stepped size classes up to max first and only then scans the
// larger classes that coalescing in Free can produce.
func NewArena(bufsize, incr, max int) *Arena {
	a := &Arena{
		buf:   make([]byte, bufsize),
		incr:  incr,
		max:   max,
		lists: make(map[int]int),
	}
	chunk := (max / incr) * incr
	if chunk < incr {
		chunk = incr
	}
	off := 0
	for bufsize-off >= chunk {
		a.initBlock(off, chunk)
		a.setFree(off, true)
		a.pushFree(chunk, off)
		off += chunk
	}
	if rem := bufsize - off; rem >= incr {
		remSize := (rem / incr) * incr
		a.initBlock(off, remSize)
		a.setFree(off, true)
		a.pushFree(remSize, off)
	}
	return a
}

func (a *Arena) tagAt(off int) uint32 {
	return binary.LittleEndian.Uint32(a.buf[off : off+tagSize])
}

func (a *Arena) setTagAt(off int, tag uint32) {
	binary.LittleEndian.PutUint32(a.buf[off:off+tagSize], tag)
}

func (a *Arena) blockSize(off int) int {
	return int(a.tagAt(off) & sizeMask)
}

func (a *Arena) isFree(off int) bool {
	return a.tagAt(off)&occupied == 0
}

func (a *Arena) setFree(off int, free bool) {
	tag := a.tagAt(off)
	if free {
		tag &^= occupied
	} else {
		tag |= occupied
	}
	a.setTagAt(off, tag)
	size := int(tag & sizeMask)
	a.setTagAt(off+size-footerSize, tag)
}

// initBlock writes a fresh header+footer pair of the given size at off.
func (a *Arena) initBlock(off, size int) {
	a.setTagAt(off, uint32(size))
	a.setNext(off, -1)
	a.setPrev(off, -1)
	a.setTagAt(off+size-footerSize, uint32(size))
}

func (a *Arena) next(off int) int {
	v := int64(binary.LittleEndian.Uint64(a.buf[off+tagSize : off+tagSize+8]))
	return int(v)
}
func (a *Arena) setNext(off, v int) {
	binary.LittleEndian.PutUint64(a.buf[off+tagSize:off+tagSize+8], uint64(int64(v)))
}
func (a *Arena) prev(off int) int {
	v := int64(binary.LittleEndian.Uint64(a.buf[off+tagSize+8 : off+tagSize+16]))
	return int(v)
}
func (a *Arena) setPrev(off, v int) {
	binary.LittleEndian.PutUint64(a.buf[off+tagSize+8:off+tagSize+16], uint64(int64(v)))
}

func (a *Arena) pushFree(size, off int) {
	head, ok := a.lists[size]
	if !ok {
		head = -1
	}
	a.setPrev(off, -1)
	a.setNext(off, head)
	if head != -1 {
		a.setPrev(head, off)
	}
	a.lists[size] = off
}

func (a *Arena) removeFree(size, off int) {
	p, n := a.prev(off), a.next(off)
	if p != -1 {
		a.setNext(p, n)
	} else {
		if n == -1 {
			delete(a.lists, size)
		} else {
			a.lists[size] = n
		}
	}
	if n != -1 {
		a.setPrev(n, p)
	}
}

// bestFit rounds length up to the smallest incr-multiple block size that
// can hold it plus header/footer overhead (mem_mgmt.h's get_best_fit).
func (a *Arena) bestFit(length int) int {
	needed := length + headerSize + footerSize
	idx := needed / a.incr
	if needed%a.incr != 0 {
		idx++
	}
	return idx * a.incr
}

// Slot is a handle to one allocated block's usable payload region.
type Slot struct {
	off int
	len int
}

// Bytes returns the payload region of the slot for writing/reading raw log
// record bytes. s.off is the block's header offset; the payload begins
// immediately after the header (tag + next + prev pointers).
func (a *Arena) Bytes(s Slot) []byte {
	return a.buf[s.off+headerSize : s.off+headerSize+s.len]
}

// findFit returns the smallest free-list size class >= want, or 0 if none
// exists. It checks the common incr-stepped classes up to max first, then
// falls back to scanning the rest of the map: coalescing two neighboring
// max-sized free blocks in Free can yield a block larger than max, which a
// search bounded at max would never reach again.
func (a *Arena) findFit(want int) int {
	for size := want; size <= a.max; size += a.incr {
		if head, ok := a.lists[size]; ok && head != -1 {
			return size
		}
	}
	best := 0
	for size, head := range a.lists {
		if head == -1 || size < want {
			continue
		}
		if best == 0 || size < best {
			best = size
		}
	}
	return best
}

// Allocate reserves a block able to hold length bytes, splitting a larger
// free block if no exact-size block is free.
func (a *Arena) Allocate(length int) (Slot, error) {
	want := a.bestFit(length)
	size := a.findFit(want)
	if size == 0 {
		return Slot{}, errs.Wrapf(errs.ErrIoError, "archiver arena: no block >= %d bytes free", want)
	}
	head := a.lists[size]
	a.removeFree(size, head)
	if size > want && size-want >= a.incr {
		// Split off the remainder as a new free block.
		remOff := head + want
		remSize := size - want
		a.initBlock(head, want)
		a.initBlock(remOff, remSize)
		a.setFree(remOff, true)
		a.pushFree(remSize, remOff)
	}
	a.setFree(head, false)
	a.used += a.blockSize(head)
	return Slot{off: head, len: length}, nil
}

// Free returns a slot to its free list, coalescing with free neighbors using
// the boundary tags (mem_mgmt.h's defrag-on-free behavior).
func (a *Arena) Free(s Slot) {
	off := s.off
	size := a.blockSize(off)
	a.used -= size

	// Coalesce with right neighbor.
	right := off + size
	if right < len(a.buf) && a.isFree(right) {
		rsize := a.blockSize(right)
		a.removeFree(rsize, right)
		size += rsize
	}
	// Coalesce with left neighbor, located via its footer tag.
	if off >= footerSize {
		leftFooter := binary.LittleEndian.Uint32(a.buf[off-footerSize : off])
		leftSize := int(leftFooter & sizeMask)
		leftOff := off - leftSize
		if leftOff >= 0 && a.isFree(leftOff) && a.blockSize(leftOff) == leftSize {
			a.removeFree(leftSize, leftOff)
			off = leftOff
			size += leftSize
		}
	}

	a.initBlock(off, size)
	a.setFree(off, true)
	a.pushFree(size, off)
}

// Used reports the number of bytes currently allocated (not on a free list).
func (a *Arena) Used() int { return a.used }

// Cap reports the total arena size.
func (a *Arena) Cap() int { return len(a.buf) }
