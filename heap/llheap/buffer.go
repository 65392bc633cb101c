package llheap

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/lfstack"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

const (
	// BufferSize is the Normal block size of one per-thread Buffer.
	BufferSize = 64 << 10

	// DefaultBufferDwell is how long an empty Buffer stays committed on
	// the idle list before it may be decommitted.
	DefaultBufferDwell = 2 * time.Second

	// maxDecommitted bounds the decommitted Buffer list; older surplus
	// Buffers are freed back to their subheap.
	maxDecommitted = 32
)

// buffer is a per-thread region of ThreadBlocks inside one Normal block.
type buffer struct {
	ptr  types.Ptr // address of the enclosing Normal block
	sh   *subheap
	area freeArea

	owner atomic.Pointer[perThread]
	inbox lfstack.Stack

	// guarded by the Heap lock while the buffer is idle
	idleSince   time.Time
	decommitted bool
	dOff, dSize uint64 // decommitted interior
}

func (b *buffer) off() uint32 { return b.ptr.Offset() }

// reset lays the buffer out as one free ThreadBlock.
func (b *buffer) reset() {
	off := b.off()
	size := b.area.v.size(off)
	b.area.init(b.area.v, types.KindThread, off, off+format.HeaderSize, off+size)
}

// drainBuffer moves blocks freed by other threads back into the area.
// Caller is the owning thread (or holds the Heap lock for a parked owner).
func (h *Heap) drainBuffer(b *buffer) {
	if b.inbox.Empty() {
		return
	}
	n := lfstack.Each(h.links, b.inbox.Drain(), func(p types.Ptr) {
		if err := b.area.reclaim(p.Offset()); err != nil {
			h.log.Warn("dropping corrupt inbox entry", zap.Stringer("block", p), zap.Error(err))
		}
	})
	h.stats.add(cDrained, uint64(n))
}

// acquireBuffer hands pt an empty buffer: the most recently idled one,
// else a decommitted one, else a new Normal block.
func (h *Heap) acquireBuffer(t *thread.Thread, pt *perThread, flags types.Flags) (*buffer, error) {
	h.acquire(t, flags)
	defer h.release(t, flags)

	var b *buffer
	switch {
	case len(h.freed) > 0:
		b = h.freed[len(h.freed)-1]
		h.freed = h.freed[:len(h.freed)-1]
		h.stats.inc(cBuffersReused)
	case len(h.decommitted) > 0:
		b = h.decommitted[len(h.decommitted)-1]
		h.decommitted = h.decommitted[:len(h.decommitted)-1]
		if err := h.recommitBuffer(b); err != nil {
			h.decommitted = append(h.decommitted, b)
			return nil, err
		}
		h.stats.inc(cBuffersRecommitted)
	default:
		sh, off, err := h.allocNormal(BufferSize, BufferSize-format.HeaderSize, 0)
		if err != nil {
			return nil, err
		}
		b = &buffer{ptr: sh.region.Ptr(off), sh: sh}
		b.area.v = sh.area.v
		h.containers.Store(b.ptr, b)
		h.stats.inc(cBuffersCreated)
	}
	b.reset()
	b.owner.Store(pt)
	pt.buffers = append(pt.buffers, b)
	return b, nil
}

func (h *Heap) recommitBuffer(b *buffer) error {
	if !b.decommitted {
		return nil
	}
	if b.dSize > 0 {
		if err := h.vm.Commit(b.sh.mapping, b.dOff, b.dSize); err != nil {
			return err
		}
		b.sh.removeHole(b.dOff)
	}
	b.decommitted = false
	return nil
}

// retireBuffer takes an empty buffer away from pt and parks it on the
// idle list.
func (h *Heap) retireBuffer(t *thread.Thread, pt *perThread, b *buffer, flags types.Flags) {
	h.acquire(t, flags)
	defer h.release(t, flags)

	pt.dropBuffer(b)
	b.owner.Store(nil)
	b.idleSince = h.now()
	h.freed = append(h.freed, b)
	h.reclaimBuffers()
}

// reclaimBuffers decommits idle buffers that have dwelt long enough. The
// newest idle buffer is always kept committed. Heap lock held.
func (h *Heap) reclaimBuffers() {
	if len(h.freed) < 2 {
		return
	}
	now := h.now()
	newest := h.freed[len(h.freed)-1]
	keep := h.freed[:0]
	for _, b := range h.freed[:len(h.freed)-1] {
		if now.Sub(b.idleSince) < h.dwell || !h.decommitBuffer(b) {
			keep = append(keep, b)
		}
	}
	h.freed = append(keep, newest)
}

// decommitBuffer moves an idle buffer to the decommitted list, or frees
// it when that list is full. It reports false if the buffer must stay idle.
func (h *Heap) decommitBuffer(b *buffer) bool {
	if len(h.decommitted) >= maxDecommitted {
		h.containers.Delete(b.ptr)
		if err := h.freeNormal(b.sh, b.off()); err != nil {
			h.log.Warn("freeing surplus buffer", zap.Stringer("buffer", b.ptr), zap.Error(err))
		}
		h.stats.inc(cBuffersReleased)
		return true
	}
	start := uint64(b.off()) + format.HeaderSize
	end := uint64(b.off()) + uint64(b.area.v.size(b.off()))
	if off, size, ok := vm.PageAlignedInterior(start, end, h.vm.PageSize()); ok {
		b.sh.addHole(off, size)
		if err := h.vm.Decommit(b.sh.mapping, off, size); err != nil {
			b.sh.removeHole(off)
			h.log.Warn("buffer decommit failed", zap.Stringer("buffer", b.ptr), zap.Error(err))
			return false
		}
		b.dOff, b.dSize = off, size
	} else {
		b.dOff, b.dSize = 0, 0
	}
	b.decommitted = true
	h.decommitted = append(h.decommitted, b)
	h.stats.inc(cBuffersDecommitted)
	h.log.Debug("buffer decommitted", zap.Stringer("buffer", b.ptr), zap.Uint64("bytes", b.dSize))
	return true
}

// allocThread serves a Thread-tier request from pt's buffers.
func (h *Heap) allocThread(t *thread.Thread, pt *perThread, bsize, user uint32, extra uint8, flags types.Flags) (*buffer, uint32, error) {
	if b := pt.active; b != nil {
		h.drainBuffer(b)
		if off, ok := b.area.alloc(bsize, user, extra); ok {
			return b, off, nil
		}
	}
	for _, b := range pt.buffers {
		if b == pt.active {
			continue
		}
		h.drainBuffer(b)
		if off, ok := b.area.alloc(bsize, user, extra); ok {
			h.setActive(t, pt, b, flags)
			return b, off, nil
		}
	}
	b, err := h.acquireBuffer(t, pt, flags)
	if err != nil {
		return nil, 0, err
	}
	h.setActive(t, pt, b, flags)
	off, ok := b.area.alloc(bsize, user, extra)
	if !ok {
		return nil, 0, types.ErrOutOfMemory
	}
	return b, off, nil
}

// setActive makes b the active buffer, retiring the previous one if empty.
func (h *Heap) setActive(t *thread.Thread, pt *perThread, b *buffer, flags types.Flags) {
	old := pt.active
	pt.active = b
	if old != nil && old != b && old.area.live == 0 {
		h.retireBuffer(t, pt, old, flags)
	}
}

// freeThreadLocal frees a ThreadBlock of a buffer the caller owns.
func (h *Heap) freeThreadLocal(t *thread.Thread, pt *perThread, b *buffer, off uint32, flags types.Flags) error {
	if err := b.area.free(off); err != nil {
		return err
	}
	if b.area.live == 0 && b != pt.active {
		h.retireBuffer(t, pt, b, flags)
	}
	return nil
}
