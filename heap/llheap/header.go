package llheap

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Header flag bits.
const (
	flagFree     uint8 = 1 << 0
	flagDeferred uint8 = 1 << 1 // free but parked on a recent stack or inbox
	flagPrevFree uint8 = 1 << 2 // predecessor is listed free; its size is in our footer slot
	flagPending  uint8 = 1 << 3 // freed by a foreign thread, awaiting drain
	flagTailFill uint8 = 1 << 4 // unused tail carries the fill pattern
)

// kindSentinel marks subheap headers and end-of-area sentinels.
const kindSentinel types.Kind = 0xFE

// state is a decoded header state word.
type state uint64

func (s state) kind() types.Kind { return types.Kind(uint8(s)) }
func (s state) flags() uint8     { return uint8(s >> 8) }
func (s state) tail() uint16     { return uint16(s >> 16) }
func (s state) sum() uint32      { return uint32(s >> 32) }
func (s state) busy() bool       { return s.flags()&flagFree == 0 }

// coalescable reports a block that is free and sits on a free list.
func (s state) coalescable(k types.Kind) bool {
	return s.kind() == k && s.flags()&(flagFree|flagDeferred) == flagFree
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func checksum(obf uint64, k types.Kind, flags uint8, tail uint16, size, back uint32, addr types.Ptr) uint32 {
	x := obf ^ uint64(addr)*0x9e3779b97f4a7c15
	x = mix64(x ^ (uint64(k) | uint64(flags)<<8 | uint64(tail)<<16 | uint64(size)<<32))
	x = mix64(x ^ uint64(back))
	return uint32(x ^ x>>32)
}

// view reads and writes block headers inside one region.
type view struct {
	mem    []byte
	region uint32
	obf    uint64
}

func (v view) load(off uint32) state  { return state(format.LoadWord(v.mem, int(off))) }
func (v view) size(off uint32) uint32 { return format.ReadU32(v.mem, int(off)+format.SizeOffset) }
func (v view) back(off uint32) uint32 { return format.ReadU32(v.mem, int(off)+format.BackOffset) }
func (v view) ptr(off uint32) types.Ptr {
	return types.MakePtr(v.region, off)
}

func (v view) seal(off uint32, k types.Kind, flags uint8, tail uint16, size, back uint32) state {
	sum := checksum(v.obf, k, flags, tail, size, back, v.ptr(off))
	return state(uint64(k) | uint64(flags)<<8 | uint64(tail)<<16 | uint64(sum)<<32)
}

// set writes a complete header. The caller owns the block exclusively.
func (v view) set(off uint32, k types.Kind, flags uint8, tail uint16, size, back uint32) {
	format.PutU32(v.mem, int(off)+format.SizeOffset, size)
	format.PutU32(v.mem, int(off)+format.BackOffset, back)
	format.StoreWord(v.mem, int(off), uint64(v.seal(off, k, flags, tail, size, back)))
}

// valid recomputes the checksum of s against the stored size and back offset.
func (v view) valid(off uint32, s state) bool {
	return s.sum() == checksum(v.obf, s.kind(), s.flags(), s.tail(), v.size(off), v.back(off), v.ptr(off))
}

// check loads and verifies the header at off.
func (v view) check(off uint32) (state, error) {
	s := v.load(off)
	if !v.valid(off, s) {
		return s, errors.Wrapf(types.ErrCorrupted, "header checksum mismatch at %s", v.ptr(off))
	}
	return s, nil
}

// update CASes the state word at off. fn maps the current state to the new
// flags and tail or rejects it. The checksum is verified on every attempt.
func (v view) update(off uint32, fn func(old state) (uint8, uint16, error)) (state, error) {
	size, back := v.size(off), v.back(off)
	for {
		old := v.load(off)
		if old.sum() != checksum(v.obf, old.kind(), old.flags(), old.tail(), size, back, v.ptr(off)) {
			return old, errors.Wrapf(types.ErrCorrupted, "header checksum mismatch at %s", v.ptr(off))
		}
		flags, tail, err := fn(old)
		if err != nil {
			return old, err
		}
		nw := v.seal(off, old.kind(), flags, tail, size, back)
		if format.CASWord(v.mem, int(off), uint64(old), uint64(nw)) {
			return old, nil
		}
	}
}

// setFlags sets and clears flag bits, keeping the tail.
func (v view) setFlags(off uint32, set, clr uint8) {
	if f := v.load(off).flags(); f&^clr|set == f {
		return
	}
	_, _ = v.update(off, func(old state) (uint8, uint16, error) {
		return old.flags()&^clr | set, old.tail(), nil
	})
}

// markFreed moves a busy block to free+deferred. from selects the expected
// prior state: flagPending for inbox drains, 0 for a direct free.
func (v view) markFreed(off uint32, from uint8) error {
	_, err := v.update(off, func(old state) (uint8, uint16, error) {
		switch {
		case from == flagPending && old.flags()&flagPending == 0:
			return 0, 0, errors.Wrapf(types.ErrCorrupted, "drained block %s is not pending", v.ptr(off))
		case from == 0 && !old.busy():
			return 0, 0, errors.Wrapf(types.ErrInvalidParameter, "block %s is already free", v.ptr(off))
		}
		return old.flags()&flagPrevFree | flagFree | flagDeferred, 0, nil
	})
	return err
}

// markPending is the foreign-thread free: busy -> free|deferred|pending in
// one CAS, so a racing second free fails.
func (v view) markPending(off uint32) error {
	_, err := v.update(off, func(old state) (uint8, uint16, error) {
		if !old.busy() {
			return 0, 0, errors.Wrapf(types.ErrInvalidParameter, "block %s is already free", v.ptr(off))
		}
		return old.flags()&flagPrevFree | flagFree | flagDeferred | flagPending, 0, nil
	})
	return err
}

// setTail records the unused tail of a busy block.
func (v view) setTail(off uint32, tail uint16, fill bool) {
	_, _ = v.update(off, func(old state) (uint8, uint16, error) {
		f := old.flags() &^ flagTailFill
		if fill {
			f |= flagTailFill
		}
		return f, tail, nil
	})
}

func (v view) footer(end uint32) uint32 { return format.ReadU32(v.mem, int(end)-format.FooterSize) }
func (v view) setFooter(off, size uint32) {
	format.PutU32(v.mem, int(off+size)-format.FooterSize, size)
}

// tailOf returns the unused bytes of a block of size bsize holding req bytes.
func tailOf(bsize, req uint64) uint16 {
	t := bsize - format.HeaderSize - req
	if t > 0xFFFF {
		return 0xFFFF
	}
	return uint16(t)
}

// fillTail writes the fill pattern into b.
func fillTail(b []byte) {
	for i := range b {
		b[i] = format.TailFill
	}
}

// tailIntact reports whether b still carries the fill pattern.
func tailIntact(b []byte) bool {
	for _, c := range b {
		if c != format.TailFill {
			return false
		}
	}
	return true
}
