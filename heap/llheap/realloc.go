package llheap

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Realloc resizes the block at p to size bytes. The block stays in place
// when it can: shrinking always does, growing does when the block already
// has room or (Normal blocks, and Thread blocks on their owner's thread)
// a free neighbour follows. Otherwise the contents move to a new block,
// unless FlagReallocInPlaceOnly is set.
func (h *Heap) Realloc(t *thread.Thread, flags types.Flags, p types.Ptr, size uint64) (types.Ptr, error) {
	flags = h.flags.Merge(flags)
	if t == nil {
		return types.Null, errors.Wrap(types.ErrInvalidParameter, "nil thread")
	}
	c, err := Classify(size, flags)
	if err != nil {
		return types.Null, err
	}
	ref, err := h.resolve(p)
	if err != nil {
		return types.Null, err
	}
	if err := h.precheck(t, ref, flags); err != nil {
		return types.Null, err
	}
	old := ref.size()

	if h.resizeInPlace(t, ref, c, size, flags) {
		h.stats.inc(cReallocsInPlace)
		h.prepare(p, old, size, flags)
		return p, nil
	}
	if flags.Has(types.FlagReallocInPlaceOnly) {
		return types.Null, errors.Wrapf(types.ErrOutOfMemory, "cannot resize %s to %d bytes in place", p, size)
	}

	np, err := h.alloc(t, c, size, flags)
	if err != nil {
		return types.Null, err
	}
	dst, err := h.Bytes(t, np)
	if err != nil {
		return types.Null, h.undoMove(t, np, flags, err)
	}
	copy(dst, ref.payload()[:min(old, size)])
	h.prepare(np, old, size, flags)
	if err := h.free(t, ref, flags); err != nil {
		return types.Null, h.undoMove(t, np, flags, err)
	}
	h.stats.inc(cReallocsMoved)
	return np, nil
}

// undoMove frees the destination of a failed move and returns cause.
func (h *Heap) undoMove(t *thread.Thread, np types.Ptr, flags types.Flags, cause error) error {
	if err := h.Free(t, flags, np); err != nil {
		return errors.CombineErrors(cause, errors.Wrapf(err, "releasing moved block %s", np))
	}
	return cause
}

func (h *Heap) resizeInPlace(t *thread.Thread, ref blockRef, c Class, size uint64, flags types.Flags) bool {
	extra := h.extraFlags()
	fits := c.BlockSize <= uint64(ref.v.size(ref.off))

	switch ref.kind {
	case types.KindFast:
		if !fits {
			return false
		}
		ref.v.setTail(ref.off, tailOf(uint64(ref.v.size(ref.off)), size), extra != 0)
		return true

	case types.KindThread:
		if c.Kind == types.KindLarge || c.Kind == types.KindNormal {
			return false
		}
		pt := ref.buf.owner.Load()
		if pt == nil || pt.owner.Load() != t.ID() {
			// Only the owner may touch neighbouring blocks.
			if !fits {
				return false
			}
			ref.v.setTail(ref.off, tailOf(uint64(ref.v.size(ref.off)), size), extra != 0)
			return true
		}
		return ref.buf.area.resize(ref.off, uint32(c.BlockSize), uint32(size), extra)

	case types.KindNormal:
		if c.Kind == types.KindLarge {
			return false
		}
		h.acquire(t, flags)
		defer h.release(t, flags)
		return ref.sh.area.resize(ref.off, uint32(c.BlockSize), uint32(size), extra)

	default:
		return h.resizeLarge(ref.lb, c, size, extra)
	}
}
