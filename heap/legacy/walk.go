package legacy

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/pkg/types"
)

// blockRef is a busy block resolved from a payload address.
type blockRef struct {
	seg  *segment
	off  uint32
	size uint32
	req  uint32
}

func (r blockRef) ptr() types.Ptr { return r.seg.region.Ptr(r.off + format.HeaderSize) }

func (r blockRef) payload() []byte {
	return r.seg.mem()[r.off+format.HeaderSize : r.off+r.size]
}

func invalidPtr(p types.Ptr, why string) error {
	return errors.Wrapf(types.ErrInvalidParameter, "pointer %s: %s", p, why)
}

// resolve maps a payload address to its busy block. Heap lock held.
func (h *Heap) resolve(p types.Ptr) (blockRef, error) {
	if p.Offset() < firstBlock+format.HeaderSize || !format.IsAligned(uint64(p.Offset())) {
		return blockRef{}, invalidPtr(p, "not a payload address")
	}
	r, ok := h.space.Lookup(p)
	if !ok || r.Heap != h.handle {
		return blockRef{}, invalidPtr(p, "not in this heap")
	}
	s, ok := r.Owner.(*segment)
	if !ok {
		return blockRef{}, invalidPtr(p, "not a legacy segment")
	}
	off := p.Offset() - format.HeaderSize
	if off+format.MinBlockSize > s.end {
		return blockRef{}, invalidPtr(p, "past the last block")
	}
	hd, err := h.readHeader(s, off)
	if err != nil {
		return blockRef{}, err
	}
	if !hd.busy() {
		return blockRef{}, invalidPtr(p, "block is free")
	}
	ref := blockRef{seg: s, off: off, size: hd.blockSize(), req: hd.req}
	if uint64(ref.req)+format.HeaderSize > uint64(ref.size) {
		return blockRef{}, errors.Wrapf(types.ErrCorrupted, "legacy block %s: request exceeds block", p)
	}
	return ref, nil
}

func (h *Heap) checkTail(ref blockRef) error {
	if !h.flags.Has(types.FlagTailChecking) {
		return nil
	}
	for _, c := range ref.payload()[ref.req:] {
		if c != format.TailFill {
			return errors.Wrapf(types.ErrCorrupted, "block %s: write past the end of the payload", ref.ptr())
		}
	}
	return nil
}

// Walk reports each segment followed by its blocks in address order.
func (h *Heap) Walk(t *thread.Thread, fn func(types.WalkEntry) bool) error {
	h.mu.Lock(t)
	defer h.mu.Unlock(t)
	if err := h.live(); err != nil {
		return err
	}
	for _, s := range h.segs {
		base := s.region.Ptr(0)
		if !fn(types.WalkEntry{Ptr: base, Kind: types.KindLegacy, BlockSize: uint64(s.end), Busy: true, Role: types.RoleSegment}) {
			return nil
		}
		for off := uint32(firstBlock); off < s.end; {
			hd, err := h.readHeader(s, off)
			if err != nil {
				return err
			}
			size := hd.blockSize()
			e := types.WalkEntry{
				Ptr:       s.region.Ptr(off),
				Container: base,
				Kind:      types.KindLegacy,
				BlockSize: uint64(size),
				Size:      uint64(size) - format.HeaderSize,
				Busy:      hd.busy(),
			}
			if e.Busy {
				e.Ptr = e.Ptr.Add(format.HeaderSize)
				e.Size = uint64(hd.req)
			}
			if !fn(e) {
				return nil
			}
			off += size
		}
	}
	return nil
}

// Validate checks the block at p, or every segment when p is Null.
func (h *Heap) Validate(t *thread.Thread, flags types.Flags, p types.Ptr) error {
	flags = h.flags.Merge(flags)
	h.acquire(t, flags)
	defer h.release(t, flags)
	if err := h.live(); err != nil {
		return err
	}
	if p.IsNull() {
		return h.validateLocked()
	}
	ref, err := h.resolve(p)
	if err != nil {
		return err
	}
	return h.checkTail(ref)
}

// validateLocked checks tiling, tags, coalescing and the free index.
func (h *Heap) validateLocked() error {
	free := 0
	for _, s := range h.segs {
		busy := 0
		prevFree := false
		for off := uint32(firstBlock); off < s.end; {
			hd, err := h.readHeader(s, off)
			if err != nil {
				return err
			}
			size := hd.blockSize()
			p := s.region.Ptr(off)
			switch {
			case hd.busy():
				busy++
				prevFree = false
			case prevFree:
				return errors.Wrapf(types.ErrCorrupted, "legacy block %s: adjacent free blocks", p)
			case !h.registered(p, size):
				return errors.Wrapf(types.ErrCorrupted, "legacy block %s: free block missing from index", p)
			default:
				free++
				prevFree = true
			}
			off += size
		}
		if busy != s.live {
			return errors.Wrapf(types.ErrCorrupted, "legacy segment %d: %d busy blocks, %d live", s.region.ID, busy, s.live)
		}
	}
	if n := h.freeCount(); n != free {
		return errors.Wrapf(types.ErrCorrupted, "legacy heap: %d free blocks indexed, %d found", n, free)
	}
	return nil
}
