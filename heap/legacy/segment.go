package legacy

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Block header layout:
//
//	0   int64   block size; negative while allocated
//	8   uint32  requested bytes (allocated blocks)
//	12  uint32  integrity tag
const (
	sizeOffset = 0
	reqOffset  = 8
	tagOffset  = 12

	// firstBlock is the offset of the first block in a segment. Offset 0
	// stays unused so no payload address has a small offset.
	firstBlock = format.HeaderSize
)

const (
	// MaxSegmentSize bounds one segment. Block offsets are 32 bits.
	MaxSegmentSize = 1 << 31

	// MaxRequest is the largest request a legacy heap accepts.
	MaxRequest = MaxSegmentSize - 2*format.HeaderSize - format.TailPadding

	// DefaultReserve is the first segment's size when none is given.
	DefaultReserve = 1 << 20

	maxGrowth = 64 << 20
)

// segment is one contiguous span of blocks.
type segment struct {
	region  *arena.Region
	mapping *vm.Mapping
	end     uint32 // blocks tile [firstBlock, end)
	fixed   bool   // caller-supplied memory
	live    int
}

func (s *segment) mem() []byte { return s.mapping.Bytes() }

type header struct {
	size int64
	req  uint32
	tag  uint32
}

func (hd header) busy() bool { return hd.size < 0 }

func (hd header) blockSize() uint32 {
	if hd.size < 0 {
		return uint32(-hd.size)
	}
	return uint32(hd.size)
}

func tagOf(obf uint64, p types.Ptr, size int64, req uint32) uint32 {
	x := obf ^ uint64(p)*0x9e3779b97f4a7c15 ^ uint64(size)<<7 ^ uint64(req)<<37
	x ^= x >> 31
	x *= 0xd6e8feb86659fd93
	x ^= x >> 32
	return uint32(x)
}

func (h *Heap) readHeader(s *segment, off uint32) (header, error) {
	mem := s.mem()
	hd := header{
		size: int64(format.ReadU64(mem, int(off)+sizeOffset)),
		req:  format.ReadU32(mem, int(off)+reqOffset),
		tag:  format.ReadU32(mem, int(off)+tagOffset),
	}
	if hd.tag != tagOf(h.obf, s.region.Ptr(off), hd.size, hd.req) {
		return hd, errors.Wrapf(types.ErrCorrupted, "legacy block %s: bad tag", s.region.Ptr(off))
	}
	size := hd.blockSize()
	if size < format.MinBlockSize || !format.IsAligned(uint64(size)) || uint64(off)+uint64(size) > uint64(s.end) {
		return hd, errors.Wrapf(types.ErrCorrupted, "legacy block %s: bad size %d", s.region.Ptr(off), size)
	}
	return hd, nil
}

func (h *Heap) writeHeader(s *segment, off uint32, size int64, req uint32) {
	mem := s.mem()
	format.PutU64(mem, int(off)+sizeOffset, uint64(size))
	format.PutU32(mem, int(off)+reqOffset, req)
	format.PutU32(mem, int(off)+tagOffset, tagOf(h.obf, s.region.Ptr(off), size, req))
}

// addSegment registers m as a segment holding one free block.
func (h *Heap) addSegment(m *vm.Mapping, fixed bool) (*segment, error) {
	s := &segment{mapping: m, fixed: fixed}
	r, err := h.space.Add(h.handle, arena.RegionLegacy, m, s)
	if err != nil {
		return nil, err
	}
	s.region = r
	s.end = uint32(format.AlignDown(min(m.Size(), MaxSegmentSize), format.Alignment))
	h.segs = append(h.segs, s)

	size := s.end - firstBlock
	h.writeHeader(s, firstBlock, int64(size), 0)
	h.insertFreeCell(r.Ptr(firstBlock), size)
	h.stats.Segments++
	return s, nil
}

// grow adds a segment large enough for a block of need bytes.
func (h *Heap) grow(need uint32) error {
	want := uint64(need) + firstBlock
	if want > MaxSegmentSize {
		return errors.Wrapf(types.ErrOutOfMemory, "block of %d bytes exceeds segment limit", need)
	}
	size, _ := format.AlignUp(max(h.next, want), h.vm.PageSize())
	size = min(size, MaxSegmentSize)

	m, err := h.vm.Reserve(size)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "reserve segment of %d bytes", size), types.ErrOutOfMemory)
	}
	if err := h.vm.Commit(m, 0, m.Size()); err != nil {
		_ = h.vm.Release(m)
		return errors.Mark(errors.Wrapf(err, "commit segment of %d bytes", m.Size()), types.ErrOutOfMemory)
	}
	s, err := h.addSegment(m, false)
	if err != nil {
		_ = h.vm.Release(m)
		return err
	}
	h.next = min(2*h.next, maxGrowth)
	h.stats.Grows++
	h.stats.GrowBytes += m.Size()
	h.log.Debug("segment added", zap.Uint32("region", s.region.ID), zap.Uint64("size", m.Size()))
	return nil
}

// releaseSegment returns an empty grown segment.
func (h *Heap) releaseSegment(s *segment) {
	h.removeFreeCell(s.region.Ptr(firstBlock), s.end-firstBlock)
	for i, x := range h.segs {
		if x == s {
			h.segs = append(h.segs[:i], h.segs[i+1:]...)
			break
		}
	}
	h.space.Remove(s.region.ID)
	if err := h.vm.Release(s.mapping); err != nil {
		h.log.Warn("segment release failed", zap.Uint32("region", s.region.ID), zap.Error(err))
	}
	h.stats.SegmentsReleased++
	h.log.Debug("segment released", zap.Uint32("region", s.region.ID))
}
