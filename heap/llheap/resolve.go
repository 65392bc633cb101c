package llheap

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/pkg/types"
)

// blockRef is a busy block resolved from a payload address.
type blockRef struct {
	v    view
	off  uint32 // block offset in its region
	st   state
	kind types.Kind

	sh  *subheap    // Normal
	buf *buffer     // Thread, and the buffer of a Fast block's cluster
	cl  *cluster    // Fast
	lb  *largeBlock // Large
}

func (r blockRef) block() types.Ptr { return r.v.ptr(r.off) }
func (r blockRef) ptr() types.Ptr   { return r.v.ptr(r.off + format.HeaderSize) }

// capacity is the payload capacity in bytes.
func (r blockRef) capacity() uint64 {
	if r.kind == types.KindLarge {
		return r.lb.mapped() - largePayloadOffset
	}
	return uint64(r.v.size(r.off)) - format.HeaderSize
}

// size is the requested payload size.
func (r blockRef) size() uint64 {
	if r.kind == types.KindLarge {
		return r.lb.requested()
	}
	return r.capacity() - uint64(r.st.tail())
}

func (r blockRef) payload() []byte {
	start := uint64(r.off) + format.HeaderSize
	return r.v.mem[start : start+r.capacity()]
}

// checkTail verifies the fill pattern behind the payload.
func (r blockRef) checkTail() error {
	if r.st.flags()&flagTailFill == 0 {
		return nil
	}
	if !tailIntact(r.payload()[r.size():]) {
		return errors.Wrapf(types.ErrCorrupted, "block %s: write past the end of the payload", r.ptr())
	}
	return nil
}

func invalidPtr(p types.Ptr, why string) error {
	return errors.Wrapf(types.ErrInvalidParameter, "pointer %s: %s", p, why)
}

// resolve maps a payload address to its busy block. It never trusts caller
// state: the tier comes from the header kind and the container is found
// from the header's back offset.
func (h *Heap) resolve(p types.Ptr) (blockRef, error) {
	if p.IsNull() || p.Offset() < format.HeaderSize || !format.IsAligned(uint64(p.Offset())) {
		return blockRef{}, invalidPtr(p, "not a payload address")
	}
	r, ok := h.space.Lookup(p)
	if !ok || r.Heap != h.handle {
		return blockRef{}, invalidPtr(p, "not in this heap")
	}
	ref := blockRef{v: view{mem: r.Bytes(), region: r.ID, obf: h.obf}, off: p.Offset() - format.HeaderSize}
	if !h.readable(r, ref.off) {
		return blockRef{}, invalidPtr(p, "outside committed memory")
	}
	st, err := ref.v.check(ref.off)
	if err != nil {
		return blockRef{}, err
	}
	if !st.busy() {
		if st.flags()&flagPending != 0 {
			return blockRef{}, invalidPtr(p, "freed by another thread, pending")
		}
		return blockRef{}, invalidPtr(p, "block is free")
	}
	ref.st, ref.kind = st, st.kind()
	back := ref.v.back(ref.off)

	switch ref.kind {
	case types.KindLarge:
		lb, ok := r.Owner.(*largeBlock)
		if !ok || ref.off != largeBlockOffset || back != largeBlockOffset {
			return blockRef{}, invalidPtr(p, "bad large block")
		}
		ref.lb = lb

	case types.KindNormal:
		sh, ok := r.Owner.(*subheap)
		if !ok || back != ref.off {
			return blockRef{}, invalidPtr(p, "bad normal block")
		}
		if _, internal := h.containers.Load(ref.block()); internal {
			return blockRef{}, invalidPtr(p, "allocator-owned block")
		}
		ref.sh = sh

	case types.KindThread:
		c, ok := h.container(ref, back)
		b, isBuf := c.(*buffer)
		if !ok || !isBuf || !b.area.contains(ref.off) {
			return blockRef{}, invalidPtr(p, "bad thread block")
		}
		if _, internal := h.containers.Load(ref.block()); internal {
			return blockRef{}, invalidPtr(p, "allocator-owned block")
		}
		ref.buf = b

	case types.KindFast:
		c, ok := h.container(ref, back)
		cl, isCl := c.(*cluster)
		if !ok || !isCl || cl.slotIndex(ref.off) < 0 || ref.v.size(ref.off) != cl.slotSize {
			return blockRef{}, invalidPtr(p, "bad fast block")
		}
		ref.cl, ref.buf = cl, cl.buf

	default:
		return blockRef{}, invalidPtr(p, "unknown block kind")
	}
	return ref, nil
}

func (h *Heap) container(ref blockRef, back uint32) (any, bool) {
	if back > ref.off || back == 0 {
		return nil, false
	}
	return h.containers.Load(ref.v.ptr(ref.off - back))
}

// readable reports whether a header at off lies in committed memory,
// outside any decommitted buffer interior.
func (h *Heap) readable(r *arena.Region, off uint32) bool {
	end := uint64(off) + 2*format.HeaderSize
	switch o := r.Owner.(type) {
	case *subheap:
		return end <= o.committed.Load() && !o.inHole(uint64(off), end)
	case *largeBlock:
		return end <= r.Map.Size()
	}
	return false
}

// links stores inbox links in the first payload bytes of a freed block.
type links struct {
	space *arena.Space
}

func (l links) Next(p types.Ptr) types.Ptr {
	b, err := l.space.Bytes(p.Add(format.HeaderSize), 8)
	if err != nil {
		return types.Null
	}
	return types.Ptr(format.ReadU64(b, 0))
}

func (l links) SetNext(p, next types.Ptr) {
	if b, err := l.space.Bytes(p.Add(format.HeaderSize), 8); err == nil {
		format.PutU64(b, 0, uint64(next))
	}
}
