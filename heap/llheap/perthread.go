package llheap

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/lfstack"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/pkg/types"
)

// anchorSize is the Normal block that represents a PerThread in the arena.
// Its payload records the owner thread id.
const anchorSize = 64

// perThread is one thread's allocation context on a heap.
//
// owner is the thread id of the current owner, 0 while parked. Everything
// except owner and inbox is touched only by the owner, or under the Heap
// lock while parked.
type perThread struct {
	h      *Heap
	owner  atomic.Uint64
	anchor types.Ptr

	groups  [fastClasses]group
	active  *buffer
	buffers []*buffer

	inbox lfstack.Stack // FastBlocks freed by other threads
}

func (pt *perThread) dropBuffer(b *buffer) {
	for i, x := range pt.buffers {
		if x == b {
			pt.buffers = append(pt.buffers[:i], pt.buffers[i+1:]...)
			break
		}
	}
	if pt.active == b {
		pt.active = nil
	}
}

// context returns t's PerThread on h, attaching one on first use.
func (h *Heap) context(t *thread.Thread, flags types.Flags) (*perThread, error) {
	if pt, ok := t.Slot(h.slot).(*perThread); ok && pt.h == h && pt.owner.Load() == t.ID() {
		return pt, nil
	}

	h.acquire(t, flags)
	var pt *perThread
	if n := len(h.parked); n > 0 {
		pt = h.parked[n-1]
		h.parked = h.parked[:n-1]
	} else {
		sh, off, err := h.allocNormal(anchorSize, anchorSize-format.HeaderSize, 0)
		if err != nil {
			h.release(t, flags)
			return nil, err
		}
		pt = &perThread{h: h, anchor: sh.region.Ptr(off)}
		for i := range pt.groups {
			pt.groups[i].slotSize = fastSlotSize(i)
		}
		h.containers.Store(pt.anchor, pt)
		h.threads[pt] = struct{}{}
	}
	pt.owner.Store(t.ID())
	if b, err := h.space.Bytes(pt.anchor.Add(format.HeaderSize), 8); err == nil {
		format.PutU64(b, 0, t.ID())
	}
	h.release(t, flags)

	t.SetSlot(h.slot, pt)
	h.stats.inc(cThreadsAttached)
	h.drainAll(t, pt, flags)
	return pt, nil
}

// drainAll drains pt's fast inbox and every buffer inbox.
func (h *Heap) drainAll(t *thread.Thread, pt *perThread, flags types.Flags) {
	h.drainFast(t, pt, flags)
	for _, b := range append([]*buffer(nil), pt.buffers...) {
		h.drainBuffer(b)
		if b.area.live == 0 && b != pt.active {
			h.retireBuffer(t, pt, b, flags)
		}
	}
}

// Detach is the thread-exit event for t on this heap. Empty clusters and
// buffers are released; a context that still has live blocks is parked for
// reuse, otherwise it is destroyed.
func (h *Heap) Detach(t *thread.Thread) {
	pt, ok := t.Slot(h.slot).(*perThread)
	if !ok || pt.h != h || pt.owner.Load() != t.ID() {
		return
	}
	flags := h.flags
	h.acquire(t, flags)
	defer h.release(t, flags)

	h.drainAll(t, pt, flags)
	pt.owner.Store(0)
	// Frees pushed between the drain and the store land here.
	h.drainAll(t, pt, flags)
	h.trimContext(t, pt, flags)

	t.SetSlot(h.slot, nil)
	if len(pt.buffers) > 0 {
		h.parked = append(h.parked, pt)
		h.stats.inc(cThreadsParked)
		h.log.Debug("thread context parked", zap.Uint64("thread", t.ID()), zap.Int("buffers", len(pt.buffers)))
		return
	}
	h.destroyContext(pt)
}

// trimContext releases empty clusters and buffers of a detaching context.
func (h *Heap) trimContext(t *thread.Thread, pt *perThread, flags types.Flags) {
	for i := range pt.groups {
		g := &pt.groups[i]
		if c := g.active; c != nil {
			g.active = nil
			if c.empty() {
				h.releaseCluster(t, pt, c, flags)
			} else {
				g.partial.push(c)
			}
		}
	}
	pt.active = nil
	for _, b := range append([]*buffer(nil), pt.buffers...) {
		if b.area.live == 0 {
			h.retireBuffer(t, pt, b, flags)
		}
	}
}

// destroyContext frees a context with no buffers left. Heap lock held.
func (h *Heap) destroyContext(pt *perThread) {
	delete(h.threads, pt)
	h.containers.Delete(pt.anchor)
	if r, ok := h.space.Lookup(pt.anchor); ok {
		if sh, ok := r.Owner.(*subheap); ok {
			if err := h.freeNormal(sh, pt.anchor.Offset()); err != nil {
				h.log.Warn("freeing thread anchor", zap.Stringer("anchor", pt.anchor), zap.Error(err))
			}
		}
	}
	h.stats.inc(cThreadsDestroyed)
}

// drainParked is run by a thread that found pt parked after pushing a
// block onto one of its inboxes.
func (h *Heap) drainParked(t *thread.Thread, pt *perThread, flags types.Flags) {
	h.acquire(t, flags)
	defer h.release(t, flags)
	if pt.owner.Load() != 0 {
		return
	}
	h.drainAll(t, pt, flags)
}
