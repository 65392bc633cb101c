package llheap

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/lfstack"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/pkg/types"
)

const noSlot = 0xFFFF

// cluster is a 64-slot slab of equal FastBlocks living in one ThreadBlock.
//
// Slots below bump have been handed out at least once; free ones among
// them are chained through a 16-bit index stored in the slot payload.
type cluster struct {
	ptr      types.Ptr // address of the enclosing ThreadBlock
	buf      *buffer
	group    *group
	first    uint32 // region offset of slot 0
	slotSize uint32

	bump  int
	nfree int
	chain uint16

	list       *clusterList
	prev, next *cluster
}

func (c *cluster) slotOff(i int) uint32 { return c.first + uint32(i)*c.slotSize }

// slotIndex returns the slot starting at off, or -1.
func (c *cluster) slotIndex(off uint32) int {
	if off < c.first || (off-c.first)%c.slotSize != 0 {
		return -1
	}
	i := int((off - c.first) / c.slotSize)
	if i >= clusterSlots {
		return -1
	}
	return i
}

func (c *cluster) full() bool  { return c.nfree == 0 }
func (c *cluster) empty() bool { return c.nfree == clusterSlots }

type clusterList struct {
	head *cluster
	n    int
}

func (l *clusterList) push(c *cluster) {
	c.list, c.prev, c.next = l, nil, l.head
	if l.head != nil {
		l.head.prev = c
	}
	l.head = c
	l.n++
}

func (l *clusterList) remove(c *cluster) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		l.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.list, c.prev, c.next = nil, nil, nil
	l.n--
}

func (l *clusterList) pop() *cluster {
	c := l.head
	if c != nil {
		l.remove(c)
	}
	return c
}

// group holds the clusters of one fast size class.
type group struct {
	slotSize uint32
	active   *cluster
	partial  clusterList
	full     clusterList
}

// allocFast serves a Fast-tier request.
func (h *Heap) allocFast(t *thread.Thread, pt *perThread, class int, user uint32, extra uint8, flags types.Flags) (types.Ptr, error) {
	if !pt.inbox.Empty() {
		h.drainFast(t, pt, flags)
	}
	g := &pt.groups[class]
	c := g.active
	if c == nil || c.full() {
		if c != nil {
			g.full.push(c)
		}
		c = g.partial.pop()
		if c == nil {
			var err error
			if c, err = h.newCluster(t, pt, g, flags); err != nil {
				g.active = nil
				return types.Null, err
			}
		}
		g.active = c
	}

	var idx int
	v := c.buf.area.v
	if c.chain != noSlot {
		idx = int(c.chain)
		off := c.slotOff(idx)
		s, err := v.check(off)
		if err != nil || s.busy() || s.kind() != types.KindFast {
			return types.Null, errors.Wrapf(types.ErrCorrupted, "free chain of cluster %s broken at slot %d", c.ptr, idx)
		}
		c.chain = format.ReadU16(v.mem, int(off)+format.HeaderSize)
	} else {
		idx = c.bump
		c.bump++
	}
	c.nfree--
	off := c.slotOff(idx)
	v.set(off, types.KindFast, extra, tailOf(uint64(c.slotSize), uint64(user)), c.slotSize, off-c.ptr.Offset())
	return v.ptr(off), nil
}

// newCluster carves a cluster out of pt's buffers.
func (h *Heap) newCluster(t *thread.Thread, pt *perThread, g *group, flags types.Flags) (*cluster, error) {
	bsize := format.HeaderSize + clusterSlots*g.slotSize
	b, off, err := h.allocThread(t, pt, bsize, bsize-format.HeaderSize, 0, flags)
	if err != nil {
		return nil, err
	}
	c := &cluster{
		ptr:      b.area.v.ptr(off),
		buf:      b,
		group:    g,
		first:    off + format.HeaderSize,
		slotSize: g.slotSize,
		nfree:    clusterSlots,
		chain:    noSlot,
	}
	h.containers.Store(c.ptr, c)
	h.stats.inc(cClustersCreated)
	return c, nil
}

// releaseCluster returns a fully free cluster to its buffer.
func (h *Heap) releaseCluster(t *thread.Thread, pt *perThread, c *cluster, flags types.Flags) {
	if c.list != nil {
		c.list.remove(c)
	}
	if c.group.active == c {
		c.group.active = nil
	}
	h.containers.Delete(c.ptr)
	if err := h.freeThreadLocal(t, pt, c.buf, c.ptr.Offset(), flags); err != nil {
		h.log.Warn("releasing cluster", zap.Stringer("cluster", c.ptr), zap.Error(err))
	}
	h.stats.inc(cClustersReleased)
}

// putSlot returns a freed slot to its cluster. The header is already free.
func (h *Heap) putSlot(t *thread.Thread, pt *perThread, c *cluster, off uint32, flags types.Flags) {
	idx := c.slotIndex(off)
	format.PutU16(c.buf.area.v.mem, int(off)+format.HeaderSize, c.chain)
	c.chain = uint16(idx)
	c.nfree++
	switch {
	case c.empty() && c != c.group.active:
		h.releaseCluster(t, pt, c, flags)
	case c.list == &c.group.full:
		c.group.full.remove(c)
		c.group.partial.push(c)
	}
}

// markSlotFree flips a FastBlock to free. from is flagPending for drained
// blocks, 0 for direct frees.
func markSlotFree(v view, off uint32, from uint8) error {
	_, err := v.update(off, func(old state) (uint8, uint16, error) {
		switch {
		case from == flagPending && old.flags()&flagPending == 0:
			return 0, 0, errors.Wrapf(types.ErrCorrupted, "drained block %s is not pending", v.ptr(off))
		case from == 0 && !old.busy():
			return 0, 0, errors.Wrapf(types.ErrInvalidParameter, "block %s is already free", v.ptr(off))
		}
		return flagFree, 0, nil
	})
	return err
}

// freeFastLocal frees a FastBlock of a cluster the caller owns.
func (h *Heap) freeFastLocal(t *thread.Thread, pt *perThread, c *cluster, off uint32, flags types.Flags) error {
	if err := markSlotFree(c.buf.area.v, off, 0); err != nil {
		return err
	}
	h.putSlot(t, pt, c, off, flags)
	return nil
}

// drainFast returns FastBlocks freed by other threads to their clusters.
func (h *Heap) drainFast(t *thread.Thread, pt *perThread, flags types.Flags) {
	n := lfstack.Each(h.links, pt.inbox.Drain(), func(p types.Ptr) {
		c, ok := h.clusterOf(p)
		if !ok || c.buf.owner.Load() != pt {
			h.log.Warn("dropping stray inbox entry", zap.Stringer("block", p))
			return
		}
		if err := markSlotFree(c.buf.area.v, p.Offset(), flagPending); err != nil {
			h.log.Warn("dropping corrupt inbox entry", zap.Stringer("block", p), zap.Error(err))
			return
		}
		h.putSlot(t, pt, c, p.Offset(), flags)
	})
	h.stats.add(cDrained, uint64(n))
}

// clusterOf finds the cluster of the FastBlock at block address p.
func (h *Heap) clusterOf(p types.Ptr) (*cluster, bool) {
	r, ok := h.space.Lookup(p)
	if !ok {
		return nil, false
	}
	v := view{mem: r.Bytes(), region: r.ID, obf: h.obf}
	back := v.back(p.Offset())
	if back > p.Offset() {
		return nil, false
	}
	c, ok := h.containers.Load(p.Sub(back))
	if !ok {
		return nil, false
	}
	cl, ok := c.(*cluster)
	return cl, ok
}
