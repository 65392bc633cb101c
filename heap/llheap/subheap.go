package llheap

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

const (
	// MaxSubheapSize bounds one subheap reservation. Back offsets and list
	// links are 32-bit region offsets; keeping regions at 1 GiB leaves
	// room for the checksum and flag arithmetic.
	MaxSubheapSize = 1 << 30

	// maxGrowthReserve caps the geometric growth of later subheaps.
	maxGrowthReserve = 64 << 20

	// DefaultReserve is the primary subheap reservation when none is given.
	DefaultReserve = 1 << 20
)

// subheap is one reserved region carved into Normal blocks. Offset 0 holds
// a sentinel header so no block ever starts at offset 0, which lets 0 mean
// "none" in free-list links.
type subheap struct {
	region    *arena.Region
	mapping   *vm.Mapping
	reserved  uint64
	committed atomic.Uint64
	primary   bool
	area      freeArea

	// holes lists decommitted buffer interiors. Written under the heap
	// lock, read without it.
	holes atomic.Pointer[[]span]
}

type span struct{ off, end uint64 }

func (sh *subheap) addHole(off, size uint64) {
	var next []span
	if cur := sh.holes.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, span{off, off + size})
	sh.holes.Store(&next)
}

func (sh *subheap) removeHole(off uint64) {
	cur := sh.holes.Load()
	if cur == nil {
		return
	}
	next := make([]span, 0, len(*cur))
	for _, s := range *cur {
		if s.off != off {
			next = append(next, s)
		}
	}
	sh.holes.Store(&next)
}

// inHole reports whether [off, end) touches a decommitted range.
func (sh *subheap) inHole(off, end uint64) bool {
	cur := sh.holes.Load()
	if cur == nil {
		return false
	}
	for _, s := range *cur {
		if off < s.end && s.off < end {
			return true
		}
	}
	return false
}

// addSubheap reserves a subheap and commits its first pages. Heap lock held.
func (h *Heap) addSubheap(reserve, commit uint64, primary bool) (*subheap, error) {
	page := h.vm.PageSize()
	reserve, _ = format.AlignUp(min(reserve, MaxSubheapSize), page)
	commit, _ = format.AlignUp(max(commit, page), page)
	commit = min(commit, reserve)

	m, err := h.vm.Reserve(reserve)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reserve subheap of %d bytes", reserve), types.ErrOutOfMemory)
	}
	if err := h.vm.Commit(m, 0, commit); err != nil {
		_ = h.vm.Release(m)
		return nil, errors.Mark(errors.Wrapf(err, "commit %d bytes of new subheap", commit), types.ErrOutOfMemory)
	}
	sh := &subheap{mapping: m, reserved: m.Size(), primary: primary}
	r, err := h.space.Add(h.handle, arena.RegionSubheap, m, sh)
	if err != nil {
		_ = h.vm.Release(m)
		return nil, err
	}
	sh.region = r
	sh.committed.Store(commit)

	v := view{mem: m.Bytes(), region: r.ID, obf: h.obf}
	v.set(0, kindSentinel, 0, 0, format.HeaderSize, 0)
	sh.area.init(v, types.KindNormal, 0, format.HeaderSize, uint32(commit))

	h.subheaps = append(h.subheaps, sh)
	h.stats.inc(cSubheapsReserved)
	h.log.Debug("subheap reserved",
		zap.Uint32("region", r.ID),
		zap.Uint64("reserved", sh.reserved),
		zap.Uint64("committed", commit),
		zap.Bool("primary", primary))
	return sh, nil
}

// grow commits more of the reservation so a block of bsize bytes fits at
// the end. The committed span at least doubles.
func (h *Heap) growSubheap(sh *subheap, bsize uint32) bool {
	committed := sh.committed.Load()
	if committed >= sh.reserved {
		return false
	}
	// A listed block in front of the sentinel merges with the new space.
	var avail uint64
	end := sh.area.end
	if sh.area.v.load(end).flags()&flagPrevFree != 0 {
		avail = uint64(sh.area.v.footer(end))
	}
	need := uint64(bsize) + format.HeaderSize
	need -= min(avail, uint64(bsize))

	target, _ := format.AlignUp(committed+need, h.vm.PageSize())
	target = min(max(target, 2*committed), sh.reserved)
	if target < committed+need {
		return false
	}
	if err := h.vm.Commit(sh.mapping, committed, target-committed); err != nil {
		h.log.Warn("subheap commit failed", zap.Uint32("region", sh.region.ID), zap.Error(err))
		return false
	}
	sh.committed.Store(target)
	sh.area.extend(uint32(target))
	h.stats.inc(cSubheapGrowths)
	return true
}

// releaseSubheap returns an emptied non-primary subheap. Heap lock held.
func (h *Heap) releaseSubheap(sh *subheap) {
	for i, s := range h.subheaps {
		if s == sh {
			h.subheaps = append(h.subheaps[:i], h.subheaps[i+1:]...)
			break
		}
	}
	h.space.Remove(sh.region.ID)
	if err := h.vm.Release(sh.mapping); err != nil {
		h.log.Warn("subheap release failed", zap.Uint32("region", sh.region.ID), zap.Error(err))
	}
	h.stats.inc(cSubheapsReleased)
	h.log.Debug("subheap released", zap.Uint32("region", sh.region.ID))
}

// allocNormal carves a Normal block, growing or adding subheaps as needed.
// Heap lock held.
func (h *Heap) allocNormal(bsize, user uint32, extra uint8) (*subheap, uint32, error) {
	for _, sh := range h.subheaps {
		if off, ok := sh.area.alloc(bsize, user, extra); ok {
			return sh, off, nil
		}
	}
	for i := len(h.subheaps) - 1; i >= 0; i-- {
		sh := h.subheaps[i]
		if h.growSubheap(sh, bsize) {
			if off, ok := sh.area.alloc(bsize, user, extra); ok {
				return sh, off, nil
			}
		}
	}

	// Header, sentinel and one page of slack on top of the block.
	need := uint64(bsize) + 2*format.HeaderSize + h.vm.PageSize()
	reserve := min(max(2*h.nextReserve, need), max(maxGrowthReserve, need))
	if reserve > MaxSubheapSize {
		return nil, 0, errors.Wrapf(types.ErrOutOfMemory, "block of %d bytes exceeds subheap limit", bsize)
	}
	sh, err := h.addSubheap(reserve, need, false)
	if err != nil {
		return nil, 0, err
	}
	h.nextReserve = sh.reserved
	off, ok := sh.area.alloc(bsize, user, extra)
	if !ok {
		return nil, 0, errors.Wrapf(types.ErrOutOfMemory, "fresh subheap cannot hold %d bytes", bsize)
	}
	return sh, off, nil
}

// freeNormal frees a Normal block and releases its subheap when emptied.
// Heap lock held.
func (h *Heap) freeNormal(sh *subheap, off uint32) error {
	if err := sh.area.free(off); err != nil {
		return err
	}
	if !sh.primary && sh.area.live == 0 {
		h.releaseSubheap(sh)
	}
	return nil
}
