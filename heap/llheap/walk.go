package llheap

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/pkg/types"
)

// inspectable reports whether t may read b's interior: b is idle and
// committed, parked, or owned by t. Heap lock held.
func (h *Heap) inspectable(t *thread.Thread, b *buffer) bool {
	pt := b.owner.Load()
	if pt == nil {
		return !b.decommitted
	}
	id := pt.owner.Load()
	return id == 0 || id == t.ID()
}

func walkEntry(v view, off uint32, s state, size uint32, container types.Ptr) types.WalkEntry {
	e := types.WalkEntry{
		Ptr:       v.ptr(off),
		Container: container,
		Kind:      s.kind(),
		BlockSize: uint64(size),
		Busy:      s.busy(),
		Deferred:  !s.busy() && s.flags()&flagDeferred != 0,
	}
	if e.Busy {
		e.Ptr = e.Ptr.Add(format.HeaderSize)
		e.Size = uint64(size) - format.HeaderSize - uint64(s.tail())
	} else {
		e.Size = uint64(size) - format.HeaderSize
	}
	return e
}

// Walk reports every block t may inspect: subheap blocks, the interiors of
// buffers owned by t, parked or idle, and large blocks. Buffers owned by
// other live threads are reported as opaque blocks. Entries within one
// container come in address order.
func (h *Heap) Walk(t *thread.Thread, fn func(types.WalkEntry) bool) error {
	h.mu.Lock(t)
	defer h.mu.Unlock(t)

	more := true
	emit := func(e types.WalkEntry) bool {
		more = more && fn(e)
		return more
	}
	for _, sh := range h.subheaps {
		var inner error
		err := sh.area.each(func(off uint32, s state, size uint32) bool {
			e := walkEntry(sh.area.v, off, s, size, types.Null)
			c, _ := h.containers.Load(sh.area.v.ptr(off))
			switch c := c.(type) {
			case *buffer:
				e.Role = types.RoleBuffer
				if !emit(e) {
					return false
				}
				if h.inspectable(t, c) {
					inner = h.walkBuffer(c, emit)
				}
				return inner == nil && more
			case *perThread:
				e.Role = types.RoleThread
			}
			return emit(e)
		})
		if err == nil {
			err = inner
		}
		if err != nil || !more {
			return err
		}
	}

	ids := make([]uint32, 0, len(h.larges))
	for id := range h.larges {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		lb := h.larges[id]
		v := view{mem: lb.mapping.Bytes(), region: id, obf: h.obf}
		s, err := v.check(largeBlockOffset)
		if err != nil {
			return err
		}
		e := walkEntry(v, largeBlockOffset, s, v.size(largeBlockOffset), types.Null)
		e.Size = lb.requested()
		if !emit(e) {
			return nil
		}
	}
	return nil
}

func (h *Heap) walkBuffer(b *buffer, emit func(types.WalkEntry) bool) error {
	var inner error
	err := b.area.each(func(off uint32, s state, size uint32) bool {
		e := walkEntry(b.area.v, off, s, size, b.ptr)
		c, ok := h.containers.Load(b.area.v.ptr(off))
		cl, isCl := c.(*cluster)
		if !ok || !isCl {
			return emit(e)
		}
		e.Role = types.RoleCluster
		if !emit(e) {
			return false
		}
		for i := 0; i < cl.bump; i++ {
			so := cl.slotOff(i)
			ss, err := b.area.v.check(so)
			if err != nil {
				inner = err
				return false
			}
			if !emit(walkEntry(b.area.v, so, ss, cl.slotSize, cl.ptr)) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return inner
}

// Validate checks the block at p, or the whole heap when p is Null.
// Structures owned by other live threads are skipped.
func (h *Heap) Validate(t *thread.Thread, flags types.Flags, p types.Ptr) error {
	flags = h.flags.Merge(flags)
	if !p.IsNull() {
		ref, err := h.resolve(p)
		if err != nil {
			return err
		}
		if err := ref.checkTail(); err != nil {
			return err
		}
		return h.validateContainer(t, ref, flags)
	}

	h.mu.Lock(t)
	defer h.mu.Unlock(t)
	for _, sh := range h.subheaps {
		if err := sh.area.validate(); err != nil {
			return err
		}
	}
	for pt := range h.threads {
		for _, b := range pt.buffers {
			if !h.inspectable(t, b) {
				continue
			}
			if err := h.validateBuffer(b); err != nil {
				return err
			}
		}
	}
	for id, lb := range h.larges {
		v := view{mem: lb.mapping.Bytes(), region: id, obf: h.obf}
		if _, err := v.check(largeBlockOffset); err != nil {
			return err
		}
		if lb.mapped() != lb.mapping.Size() || lb.requested() > lb.mapped()-largePayloadOffset {
			return errors.Wrapf(types.ErrCorrupted, "large block %d: bad size prefix", id)
		}
	}
	return nil
}

func (h *Heap) validateBuffer(b *buffer) error {
	if err := b.area.validate(); err != nil {
		return err
	}
	var err error
	h.containers.Range(func(_, c any) bool {
		if cl, ok := c.(*cluster); ok && cl.buf == b {
			err = cl.validate()
		}
		return err == nil
	})
	return err
}

// validateContainer checks the structure holding ref when t may read it.
func (h *Heap) validateContainer(t *thread.Thread, ref blockRef, flags types.Flags) error {
	switch ref.kind {
	case types.KindNormal:
		h.acquire(t, flags)
		defer h.release(t, flags)
		return ref.sh.area.validate()

	case types.KindThread, types.KindFast:
		pt := ref.buf.owner.Load()
		if pt == nil || pt.owner.Load() != t.ID() {
			return nil
		}
		if ref.cl != nil {
			return ref.cl.validate()
		}
		return ref.buf.area.validate()

	default:
		if ref.lb.mapped() != ref.lb.mapping.Size() {
			return errors.Wrapf(types.ErrCorrupted, "large block %s: bad size prefix", ref.ptr())
		}
		return nil
	}
}

// validate checks the cluster's free chain against its counters.
func (c *cluster) validate() error {
	v := c.buf.area.v
	chained := 0
	for i := c.chain; i != noSlot; {
		if int(i) >= c.bump || chained >= c.bump {
			return errors.Wrapf(types.ErrCorrupted, "cluster %s: free chain corrupt", c.ptr)
		}
		off := c.slotOff(int(i))
		s, err := v.check(off)
		if err != nil {
			return err
		}
		if s.busy() || s.flags()&flagPending != 0 {
			return errors.Wrapf(types.ErrCorrupted, "cluster %s: chained slot %d not free", c.ptr, i)
		}
		chained++
		i = format.ReadU16(v.mem, int(off)+format.HeaderSize)
	}
	if c.nfree != clusterSlots-c.bump+chained {
		return errors.Wrapf(types.ErrCorrupted, "cluster %s: %d free slots, counted %d", c.ptr, c.nfree, clusterSlots-c.bump+chained)
	}
	return nil
}
