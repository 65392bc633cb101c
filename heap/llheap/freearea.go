package llheap

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/pkg/types"
)

const (
	numLists    = 127
	recentDepth = 16
)

// listIndex maps a block size to its segregated list. Sizes up to 1 KiB
// get one list per 16 bytes; above that each power of two is split into
// four lists. The last list catches everything bigger.
func listIndex(size uint32) int {
	u := size >> 4
	if u <= 64 {
		return int(u) - 1
	}
	b := bits.Len32(u) - 1
	idx := 64 + (b-6)*4 + int((u>>(b-2))&3)
	return min(idx, numLists-1)
}

// freeArea manages the variable-size blocks between start and the end
// sentinel of a Subheap or Buffer.
//
// Free blocks are either listed (flag free, on a segregated list, links
// and footer valid) or deferred (flag free|deferred, on the recent stack or
// pending in an inbox). Only listed blocks are coalesced with.
//
// NOT thread-safe: the Heap lock guards subheap areas, buffer areas belong
// to their owning thread.
type freeArea struct {
	v     view
	kind  types.Kind
	base  uint32 // back offsets are relative to base
	start uint32
	end   uint32 // offset of the end sentinel

	heads  [numLists]uint32
	bitmap [2]uint64
	recent []uint32

	live int // busy blocks
}

// init lays out one free block over [start, end-16) and the end sentinel.
func (a *freeArea) init(v view, kind types.Kind, base, start, end uint32) {
	*a = freeArea{v: v, kind: kind, base: base, start: start, end: end - format.HeaderSize,
		recent: a.recent[:0]}
	if a.recent == nil {
		a.recent = make([]uint32, 0, recentDepth)
	}
	a.v.set(a.end, kindSentinel, 0, 0, format.HeaderSize, a.end-a.base)
	a.v.set(start, a.kind, flagFree, 0, a.end-start, start-a.base)
	a.insert(start, a.end-start)
}

// extend moves the end sentinel to newEnd-16, turning the gap into free space.
func (a *freeArea) extend(newEnd uint32) {
	old := a.end
	prev := a.v.load(old).flags() & flagPrevFree
	a.end = newEnd - format.HeaderSize
	a.v.set(a.end, kindSentinel, 0, 0, format.HeaderSize, a.end-a.base)
	a.v.set(old, a.kind, flagFree|prev, 0, a.end-old, old-a.base)
	a.flush(old)
}

func (a *freeArea) next(off uint32) uint32 {
	return format.ReadU32(a.v.mem, int(off)+format.FreeNextOffset)
}
func (a *freeArea) prev(off uint32) uint32 {
	return format.ReadU32(a.v.mem, int(off)+format.FreePrevOffset)
}
func (a *freeArea) setNext(off, n uint32) {
	format.PutU32(a.v.mem, int(off)+format.FreeNextOffset, n)
}
func (a *freeArea) setPrev(off, p uint32) {
	format.PutU32(a.v.mem, int(off)+format.FreePrevOffset, p)
}

func (a *freeArea) link(off, size uint32) {
	idx := listIndex(size)
	head := a.heads[idx]
	a.setNext(off, head)
	a.setPrev(off, 0)
	if head != 0 {
		a.setPrev(head, off)
	}
	a.heads[idx] = off
	a.bitmap[idx>>6] |= 1 << (idx & 63)
}

func (a *freeArea) unlink(off uint32) {
	idx := listIndex(a.v.size(off))
	n, p := a.next(off), a.prev(off)
	if p != 0 {
		a.setNext(p, n)
	} else {
		a.heads[idx] = n
	}
	if n != 0 {
		a.setPrev(n, p)
	}
	if a.heads[idx] == 0 {
		a.bitmap[idx>>6] &^= 1 << (idx & 63)
	}
}

// nextList returns the first non-empty list at or after from, or -1.
func (a *freeArea) nextList(from int) int {
	for w := from >> 6; w < len(a.bitmap); w++ {
		m := a.bitmap[w]
		if w == from>>6 {
			m &= ^uint64(0) << (from & 63)
		}
		if m != 0 {
			return w<<6 + bits.TrailingZeros64(m)
		}
	}
	return -1
}

// search returns the first listed block of at least bsize bytes.
func (a *freeArea) search(bsize uint32) (uint32, bool) {
	for idx := a.nextList(listIndex(bsize)); idx >= 0; idx = a.nextList(idx + 1) {
		for off := a.heads[idx]; off != 0; off = a.next(off) {
			if a.v.size(off) >= bsize {
				return off, true
			}
		}
	}
	return 0, false
}

// insert lists a free block, merging a listed successor first.
func (a *freeArea) insert(off, size uint32) {
	n := off + size
	if a.v.load(n).coalescable(a.kind) {
		size += a.v.size(n)
		a.unlink(n)
		n = off + size
	}
	a.v.set(off, a.kind, flagFree, 0, size, off-a.base)
	a.v.setFooter(off, size)
	a.link(off, size)
	a.v.setFlags(n, flagPrevFree, 0)
}

// flush moves a deferred block onto the lists, merging listed neighbours.
func (a *freeArea) flush(off uint32) {
	size := a.v.size(off)
	if a.v.load(off).flags()&flagPrevFree != 0 && off > a.start {
		psize := a.v.footer(off)
		p := off - psize
		if psize >= format.MinBlockSize && psize <= off-a.start && a.v.load(p).coalescable(a.kind) && a.v.size(p) == psize {
			a.unlink(p)
			off, size = p, size+psize
		}
	}
	a.insert(off, size)
}

func (a *freeArea) flushAll() {
	for _, off := range a.recent {
		a.flush(off)
	}
	a.recent = a.recent[:0]
}

// pushRecent parks a freed block, spilling the oldest entry when full.
func (a *freeArea) pushRecent(off uint32) {
	if len(a.recent) == recentDepth {
		oldest := a.recent[0]
		copy(a.recent, a.recent[1:])
		a.recent = a.recent[:recentDepth-1]
		a.flush(oldest)
	}
	a.recent = append(a.recent, off)
}

// alloc carves a block of bsize bytes for a req-byte request.
func (a *freeArea) alloc(bsize, req uint32, extra uint8) (uint32, bool) {
	if n := len(a.recent); n > 0 {
		top := a.recent[n-1]
		if a.v.size(top) >= bsize {
			a.recent = a.recent[:n-1]
			a.take(top, bsize, req, extra)
			return top, true
		}
		a.flushAll()
	}
	off, ok := a.search(bsize)
	if !ok {
		return 0, false
	}
	a.unlink(off)
	a.take(off, bsize, req, extra)
	return off, true
}

// take turns the unlisted free block at off into a busy block of bsize
// bytes, returning any useful remainder to the lists.
func (a *freeArea) take(off, bsize, req uint32, extra uint8) {
	size := a.v.size(off)
	prev := a.v.load(off).flags() & flagPrevFree
	if rem := size - bsize; rem >= format.MinBlockSize {
		a.v.set(off, a.kind, prev|extra, tailOf(uint64(bsize), uint64(req)), bsize, off-a.base)
		a.v.set(off+bsize, a.kind, flagFree, 0, rem, off+bsize-a.base)
		a.insert(off+bsize, rem)
	} else {
		a.v.set(off, a.kind, prev|extra, tailOf(uint64(size), uint64(req)), size, off-a.base)
		a.v.setFlags(off+size, 0, flagPrevFree)
	}
	a.live++
}

// free parks a busy block on the recent stack.
func (a *freeArea) free(off uint32) error {
	if err := a.v.markFreed(off, 0); err != nil {
		return err
	}
	a.live--
	a.pushRecent(off)
	return nil
}

// reclaim parks a block drained from an inbox.
func (a *freeArea) reclaim(off uint32) error {
	if err := a.v.markFreed(off, flagPending); err != nil {
		return err
	}
	a.live--
	a.pushRecent(off)
	return nil
}

// resize changes a busy block to bsize bytes in place: shrinking splits off
// a useful remainder, growing absorbs a listed successor. It reports false
// when the block cannot grow in place.
func (a *freeArea) resize(off, bsize, req uint32, extra uint8) bool {
	size := a.v.size(off)
	prev := a.v.load(off).flags() & flagPrevFree
	if bsize <= size {
		if rem := size - bsize; rem >= format.MinBlockSize {
			a.v.set(off, a.kind, prev|extra, tailOf(uint64(bsize), uint64(req)), bsize, off-a.base)
			a.v.set(off+bsize, a.kind, flagFree, 0, rem, off+bsize-a.base)
			a.insert(off+bsize, rem)
		} else {
			a.v.setTail(off, tailOf(uint64(size), uint64(req)), extra&flagTailFill != 0)
		}
		return true
	}
	n := off + size
	if !a.v.load(n).coalescable(a.kind) {
		return false
	}
	total := size + a.v.size(n)
	if total < bsize {
		return false
	}
	a.unlink(n)
	if rem := total - bsize; rem >= format.MinBlockSize {
		a.v.set(off, a.kind, prev|extra, tailOf(uint64(bsize), uint64(req)), bsize, off-a.base)
		a.v.set(off+bsize, a.kind, flagFree, 0, rem, off+bsize-a.base)
		a.insert(off+bsize, rem)
	} else {
		a.v.set(off, a.kind, prev|extra, tailOf(uint64(total), uint64(req)), total, off-a.base)
		a.v.setFlags(off+total, 0, flagPrevFree)
	}
	return true
}

// contains reports whether off is a block boundary candidate inside the area.
func (a *freeArea) contains(off uint32) bool {
	return off >= a.start && off < a.end && (off-a.start)%format.Alignment == 0
}

// each walks the blocks of the area in address order.
func (a *freeArea) each(fn func(off uint32, s state, size uint32) bool) error {
	for off := a.start; off < a.end; {
		s, err := a.v.check(off)
		if err != nil {
			return err
		}
		size := a.v.size(off)
		if size < format.MinBlockSize || size%format.Alignment != 0 || off+size > a.end || s.kind() != a.kind {
			return errors.Wrapf(types.ErrCorrupted, "bad %s block at %s: size %d", a.kind, a.v.ptr(off), size)
		}
		if !fn(off, s, size) {
			return nil
		}
		off += size
	}
	return nil
}

// validate checks tiling, checksums, coalescing and the free lists.
func (a *freeArea) validate() error {
	var (
		listed, busy, pending int
		prevListed            bool
		prevSize              uint32
		last                  = a.start
		bad                   error
	)
	err := a.each(func(off uint32, s state, size uint32) bool {
		flagged := s.flags()&flagPrevFree != 0
		switch {
		case flagged != prevListed:
			bad = errors.Wrapf(types.ErrCorrupted, "%s: previous-free flag out of sync", a.v.ptr(off))
		case flagged && a.v.footer(off) != prevSize:
			bad = errors.Wrapf(types.ErrCorrupted, "%s: footer %d, previous block %d", a.v.ptr(off), a.v.footer(off), prevSize)
		case prevListed && s.coalescable(a.kind):
			bad = errors.Wrapf(types.ErrCorrupted, "%s: adjacent free blocks not coalesced", a.v.ptr(off))
		}
		if bad != nil {
			return false
		}
		switch {
		case s.coalescable(a.kind):
			listed++
		case s.busy():
			busy++
		case s.flags()&flagPending != 0:
			pending++
		}
		prevListed, prevSize = s.coalescable(a.kind), size
		last = off + size
		return true
	})
	if err != nil {
		return err
	}
	if bad != nil {
		return bad
	}
	if last != a.end {
		return errors.Wrapf(types.ErrCorrupted, "%s area: blocks end at %#x, sentinel at %#x", a.kind, last, a.end)
	}
	s, err := a.v.check(a.end)
	if err != nil {
		return err
	}
	if s.kind() != kindSentinel || (s.flags()&flagPrevFree != 0) != prevListed {
		return errors.Wrapf(types.ErrCorrupted, "%s area: bad end sentinel", a.kind)
	}

	onLists := 0
	for idx, head := range a.heads {
		if has := a.bitmap[idx>>6]&(1<<(idx&63)) != 0; has != (head != 0) {
			return errors.Wrapf(types.ErrCorrupted, "%s area: list %d presence bit out of sync", a.kind, idx)
		}
		for off, back := head, uint32(0); off != 0; off = a.next(off) {
			if !a.contains(off) || a.prev(off) != back || listIndex(a.v.size(off)) != idx || !a.v.load(off).coalescable(a.kind) {
				return errors.Wrapf(types.ErrCorrupted, "%s area: list %d corrupt at %s", a.kind, idx, a.v.ptr(off))
			}
			back = off
			if onLists++; onLists > listed {
				return errors.Wrapf(types.ErrCorrupted, "%s area: more blocks on lists than listed", a.kind)
			}
		}
	}
	if onLists != listed {
		return errors.Wrapf(types.ErrCorrupted, "%s area: %d listed blocks but %d on lists", a.kind, listed, onLists)
	}
	if busy+pending != a.live {
		return errors.Wrapf(types.ErrCorrupted, "%s area: %d busy and %d pending blocks but %d live", a.kind, busy, pending, a.live)
	}
	return nil
}
