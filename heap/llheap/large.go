package llheap

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Large block layout inside its own mapping:
//
//	0   requested size (uint64)
//	8   mapped size (uint64)
//	16  block header
//	32  payload
const (
	largeRequestedOffset = 0
	largeMappedOffset    = 8
	largeBlockOffset     = format.LargePrefixSize
	largePayloadOffset   = format.LargePrefixSize + format.HeaderSize
)

type largeBlock struct {
	region  *arena.Region
	mapping *vm.Mapping
}

func (lb *largeBlock) requested() uint64 {
	return format.ReadU64(lb.mapping.Bytes(), largeRequestedOffset)
}

func (lb *largeBlock) mapped() uint64 {
	return format.ReadU64(lb.mapping.Bytes(), largeMappedOffset)
}

func (lb *largeBlock) setRequested(n uint64) {
	format.PutU64(lb.mapping.Bytes(), largeRequestedOffset, n)
}

// allocLarge maps a dedicated region for one block.
func (h *Heap) allocLarge(t *thread.Thread, c Class, user uint64, extra uint8, flags types.Flags) (types.Ptr, error) {
	total := format.LargePrefixSize + c.BlockSize
	if total < c.BlockSize {
		return types.Null, errors.Wrapf(types.ErrOverflow, "large block of %d bytes", user)
	}
	m, err := h.vm.Reserve(total)
	if err != nil {
		return types.Null, errors.Mark(errors.Wrapf(err, "reserve large block of %d bytes", total), types.ErrOutOfMemory)
	}
	if err := h.vm.Commit(m, 0, m.Size()); err != nil {
		_ = h.vm.Release(m)
		return types.Null, errors.Mark(errors.Wrapf(err, "commit large block of %d bytes", m.Size()), types.ErrOutOfMemory)
	}
	lb := &largeBlock{mapping: m}
	r, err := h.space.Add(h.handle, arena.RegionLarge, m, lb)
	if err != nil {
		_ = h.vm.Release(m)
		return types.Null, err
	}
	lb.region = r

	mem := m.Bytes()
	format.PutU64(mem, largeMappedOffset, m.Size())
	lb.setRequested(user)
	bsize := m.Size() - format.LargePrefixSize
	v := view{mem: mem, region: r.ID, obf: h.obf}
	v.set(largeBlockOffset, types.KindLarge, extra, tailOf(bsize, user), uint32(bsize), largeBlockOffset)

	h.acquire(t, flags)
	h.larges[r.ID] = lb
	h.reclaimBuffers()
	h.release(t, flags)

	h.stats.inc(cLargeMappings)
	h.log.Debug("large block mapped", zap.Uint32("region", r.ID), zap.Uint64("mapped", m.Size()))
	return r.Ptr(largePayloadOffset), nil
}

// freeLarge unlinks and unmaps a large block.
func (h *Heap) freeLarge(t *thread.Thread, lb *largeBlock, flags types.Flags) error {
	v := view{mem: lb.mapping.Bytes(), region: lb.region.ID, obf: h.obf}
	if err := v.markFreed(largeBlockOffset, 0); err != nil {
		return err
	}
	h.acquire(t, flags)
	delete(h.larges, lb.region.ID)
	h.release(t, flags)
	h.unmapLarge(lb)
	return nil
}

func (h *Heap) unmapLarge(lb *largeBlock) {
	h.space.Remove(lb.region.ID)
	if err := h.vm.Release(lb.mapping); err != nil {
		h.log.Warn("large block release failed", zap.Uint32("region", lb.region.ID), zap.Error(err))
	}
	h.stats.inc(cLargeReleases)
}

// resizeLarge changes the requested size in place when the mapping has
// room for it.
func (h *Heap) resizeLarge(lb *largeBlock, c Class, user uint64, extra uint8) bool {
	if format.LargePrefixSize+c.BlockSize > lb.mapped() {
		return false
	}
	lb.setRequested(user)
	v := view{mem: lb.mapping.Bytes(), region: lb.region.ID, obf: h.obf}
	v.setTail(largeBlockOffset, tailOf(lb.mapped()-format.LargePrefixSize, user), extra&flagTailFill != 0)
	return true
}
