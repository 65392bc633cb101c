package legacy

import (
	"math/rand/v2"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Config describes a legacy heap.
type Config struct {
	Handle types.Handle
	Flags  types.Flags
	// Reserve is the first segment's size (0 selects DefaultReserve). It
	// is the heap's whole capacity unless the heap is growable.
	Reserve uint64
	// Memory, when set, is used as the only segment. Such heaps never grow.
	Memory []byte

	VM          vm.Provider
	Space       *arena.Space
	Obfuscator  uint64
	Logger      *zap.Logger
	SizeClasses *SizeClassConfig
}

// Stats holds allocator counters.
type Stats struct {
	Allocs           int
	Frees            int
	ReallocsInPlace  int
	ReallocsMoved    int
	Splits           int
	CoalesceForward  int
	CoalesceBackward int
	HeapPushes       int
	HeapPops         int
	HeapRemoves      int
	Segments         int
	SegmentsReleased int
	Grows            int
	GrowBytes        uint64
}

// Heap is a single-lock heap of segments managed with best-fit size-class
// heaps and boundary coalescing.
type Heap struct {
	handle   types.Handle
	flags    types.Flags
	vm       vm.Provider
	space    *arena.Space
	obf      uint64
	log      *zap.Logger
	growable bool

	mu thread.Mutex

	// guarded by mu
	segs      []*segment
	next      uint64
	sizes     *sizeClassTable
	lists     []freeList
	largeFree *largeSpan
	byOff     map[types.Ptr]*freeCell
	endIdx    map[types.Ptr]types.Ptr // block end -> free block start
	pool      sync.Pool
	stats     Stats
	destroyed bool
}

// New creates a legacy heap with its first segment.
func New(cfg Config) (*Heap, error) {
	if cfg.VM == nil {
		cfg.VM = vm.NewOS()
	}
	if cfg.Space == nil {
		cfg.Space = arena.New()
	}
	if cfg.SizeClasses == nil {
		cfg.SizeClasses = &DefaultSizeClasses
	}
	if cfg.Reserve == 0 {
		cfg.Reserve = DefaultReserve
	}
	obf := cfg.Obfuscator
	for obf == 0 {
		obf = rand.Uint64()
	}
	sizes := newSizeClassTable(*cfg.SizeClasses)
	h := &Heap{
		handle:   cfg.Handle,
		flags:    cfg.Flags,
		vm:       cfg.VM,
		space:    cfg.Space,
		obf:      obf,
		log:      logger.Named(cfg.Logger, "legacy").With(zap.Uint32("heap", uint32(cfg.Handle))),
		growable: cfg.Flags.Has(types.FlagGrowable) && cfg.Memory == nil,
		sizes:    sizes,
		lists:    make([]freeList, sizes.numClasses()),
		byOff:    make(map[types.Ptr]*freeCell, 256),
		endIdx:   make(map[types.Ptr]types.Ptr, 256),
	}

	if cfg.Memory != nil {
		n := format.AlignDown(uint64(len(cfg.Memory)), format.Alignment)
		if n < firstBlock+format.MinBlockSize || n > MaxSegmentSize {
			return nil, errors.Wrapf(types.ErrInvalidParameter, "fixed memory of %d bytes", len(cfg.Memory))
		}
		if _, err := h.addSegment(vm.Wrap(cfg.Memory[:n]), true); err != nil {
			return nil, err
		}
		h.next = n
		return h, nil
	}

	h.next = min(cfg.Reserve, MaxSegmentSize)
	if err := h.grow(format.MinBlockSize); err != nil {
		return nil, err
	}
	h.next = min(cfg.Reserve, maxGrowth)
	h.stats.Grows, h.stats.GrowBytes = 0, 0
	return h, nil
}

func (h *Heap) acquire(t *thread.Thread, flags types.Flags) {
	if !flags.Has(types.FlagNoSerialize) {
		h.mu.Lock(t)
	}
}

func (h *Heap) release(t *thread.Thread, flags types.Flags) {
	if !flags.Has(types.FlagNoSerialize) {
		h.mu.Unlock(t)
	}
}

// Flags returns the heap's sticky flags.
func (h *Heap) Flags() types.Flags { return h.flags }

// Lock takes the heap lock on behalf of t. It nests.
func (h *Heap) Lock(t *thread.Thread) { h.mu.Lock(t) }

// Unlock releases one level of the heap lock held by t.
func (h *Heap) Unlock(t *thread.Thread) error {
	if !h.mu.Unlock(t) {
		return errors.Wrap(types.ErrInvalidParameter, "heap lock not held by caller")
	}
	return nil
}

// Detach is a no-op: legacy heaps keep no per-thread state.
func (h *Heap) Detach(*thread.Thread) {}

// blockSize returns the block size for a request, tail padding included.
func blockSize(size uint64, flags types.Flags) (uint32, error) {
	req := size
	if flags.Has(types.FlagTailChecking) {
		req += format.TailPadding
		if req < size {
			return 0, errors.Wrapf(types.ErrOverflow, "request of %d bytes plus tail padding", size)
		}
	}
	total := req + format.HeaderSize
	if total < req {
		return 0, errors.Wrapf(types.ErrOverflow, "request of %d bytes plus header", size)
	}
	need, ok := format.Align16(total)
	if !ok {
		return 0, errors.Wrapf(types.ErrOverflow, "request of %d bytes rounds past the address space", size)
	}
	if req > MaxRequest {
		return 0, errors.Wrapf(types.ErrOutOfMemory, "request of %d bytes exceeds %d", size, uint64(MaxRequest))
	}
	return uint32(max(need, format.MinBlockSize)), nil
}

func (h *Heap) live() error {
	if h.destroyed {
		return errors.Wrap(types.ErrInvalidParameter, "heap destroyed")
	}
	return nil
}

// Alloc allocates size bytes.
func (h *Heap) Alloc(t *thread.Thread, flags types.Flags, size uint64) (types.Ptr, error) {
	flags = h.flags.Merge(flags)
	need, err := blockSize(size, flags)
	if err != nil {
		return types.Null, err
	}
	h.acquire(t, flags)
	defer h.release(t, flags)
	if err := h.live(); err != nil {
		return types.Null, err
	}
	ref, err := h.allocLocked(need, uint32(size))
	if err != nil {
		return types.Null, err
	}
	h.prepare(ref, 0, flags)
	return ref.ptr(), nil
}

// allocLocked carves a busy block of need bytes.
func (h *Heap) allocLocked(need, req uint32) (blockRef, error) {
	p, size, ok := h.findFree(need)
	if !ok {
		if !h.growable {
			return blockRef{}, errors.Wrapf(types.ErrOutOfMemory, "heap exhausted: no free block of %d bytes", need)
		}
		if err := h.grow(need); err != nil {
			return blockRef{}, err
		}
		if p, size, ok = h.findFree(need); !ok {
			return blockRef{}, errors.Wrapf(types.ErrOutOfMemory, "new segment cannot hold %d bytes", need)
		}
	}
	r, _ := h.space.Region(p.Region())
	s := r.Owner.(*segment) //nolint:errcheck // legacy regions always hold a segment
	off := p.Offset()

	if rem := size - need; rem >= format.MinBlockSize {
		h.writeHeader(s, off+need, int64(rem), 0)
		h.insertFreeCell(p.Add(need), rem)
		h.stats.Splits++
		size = need
	}
	h.writeHeader(s, off, -int64(size), req)
	s.live++
	h.stats.Allocs++
	return blockRef{seg: s, off: off, size: size, req: req}, nil
}

// prepare zeroes the payload past from and refreshes the tail pattern.
func (h *Heap) prepare(ref blockRef, from uint32, flags types.Flags) {
	payload := ref.payload()
	if flags.Has(types.FlagZeroMemory) && ref.req > from {
		clear(payload[from:ref.req])
	}
	if h.flags.Has(types.FlagTailChecking) {
		tail := payload[ref.req:]
		for i := range tail {
			tail[i] = format.TailFill
		}
	}
}

// Free releases the block at p.
func (h *Heap) Free(t *thread.Thread, flags types.Flags, p types.Ptr) error {
	flags = h.flags.Merge(flags)
	h.acquire(t, flags)
	defer h.release(t, flags)
	ref, err := h.precheck(p)
	if err != nil {
		return err
	}
	h.freeLocked(ref)
	h.stats.Frees++
	return nil
}

// precheck resolves p and runs the integrity checks that guard a mutation.
func (h *Heap) precheck(p types.Ptr) (blockRef, error) {
	if err := h.live(); err != nil {
		return blockRef{}, err
	}
	ref, err := h.resolve(p)
	if err != nil {
		return blockRef{}, err
	}
	if err := h.checkTail(ref); err != nil {
		h.log.Warn("tail pattern overwritten", zap.Stringer("block", p), zap.Error(err))
		return blockRef{}, err
	}
	if h.flags.Has(types.FlagValidate) {
		if err := h.validateLocked(); err != nil {
			return blockRef{}, err
		}
	}
	return ref, nil
}

func (h *Heap) freeLocked(ref blockRef) {
	s := ref.seg
	s.live--
	off, size := ref.off, ref.size

	if prev, ok := h.endIdx[s.region.Ptr(off)]; ok {
		psize := off - prev.Offset()
		h.removeFreeCell(prev, psize)
		off, size = prev.Offset(), size+psize
		h.stats.CoalesceBackward++
	}
	h.insertFree(s, off, size)

	if s.live == 0 && !s.fixed && s != h.segs[0] {
		h.releaseSegment(s)
	}
}

// insertFree writes a free block, merging a free successor.
func (h *Heap) insertFree(s *segment, off, size uint32) {
	if next := off + size; next < s.end {
		if hd, err := h.readHeader(s, next); err == nil && !hd.busy() && h.removeFreeCell(s.region.Ptr(next), hd.blockSize()) {
			size += hd.blockSize()
			h.stats.CoalesceForward++
		}
	}
	h.writeHeader(s, off, int64(size), 0)
	h.insertFreeCell(s.region.Ptr(off), size)
}

// Realloc resizes the block at p in place when it can, else moves it
// unless FlagReallocInPlaceOnly is set.
func (h *Heap) Realloc(t *thread.Thread, flags types.Flags, p types.Ptr, size uint64) (types.Ptr, error) {
	flags = h.flags.Merge(flags)
	need, err := blockSize(size, flags)
	if err != nil {
		return types.Null, err
	}
	h.acquire(t, flags)
	defer h.release(t, flags)
	ref, err := h.precheck(p)
	if err != nil {
		return types.Null, err
	}
	old := ref.req

	if h.resizeInPlace(&ref, need, uint32(size)) {
		h.stats.ReallocsInPlace++
		h.prepare(ref, old, flags)
		return p, nil
	}
	if flags.Has(types.FlagReallocInPlaceOnly) {
		return types.Null, errors.Wrapf(types.ErrOutOfMemory, "cannot resize %s to %d bytes in place", p, size)
	}
	nref, err := h.allocLocked(need, uint32(size))
	if err != nil {
		return types.Null, err
	}
	copy(nref.payload(), ref.payload()[:min(old, uint32(size))])
	h.prepare(nref, old, flags)
	h.freeLocked(ref)
	h.stats.ReallocsMoved++
	return nref.ptr(), nil
}

func (h *Heap) resizeInPlace(ref *blockRef, need, req uint32) bool {
	s := ref.seg
	size := ref.size
	if need > size {
		next := ref.off + size
		if next >= s.end {
			return false
		}
		hd, err := h.readHeader(s, next)
		if err != nil || hd.busy() || size+hd.blockSize() < need {
			return false
		}
		if !h.removeFreeCell(s.region.Ptr(next), hd.blockSize()) {
			return false
		}
		size += hd.blockSize()
	}
	if rem := size - need; rem >= format.MinBlockSize {
		h.insertFree(s, ref.off+need, rem)
		h.stats.Splits++
		size = need
	}
	h.writeHeader(s, ref.off, -int64(size), req)
	ref.size, ref.req = size, req
	return true
}

// Size returns the requested size of the block at p.
func (h *Heap) Size(t *thread.Thread, flags types.Flags, p types.Ptr) (uint64, error) {
	flags = h.flags.Merge(flags)
	h.acquire(t, flags)
	defer h.release(t, flags)
	if err := h.live(); err != nil {
		return 0, err
	}
	ref, err := h.resolve(p)
	if err != nil {
		return 0, err
	}
	return uint64(ref.req), nil
}

// Bytes returns the payload of the block at p.
func (h *Heap) Bytes(t *thread.Thread, p types.Ptr) ([]byte, error) {
	h.acquire(t, h.flags)
	defer h.release(t, h.flags)
	if err := h.live(); err != nil {
		return nil, err
	}
	ref, err := h.resolve(p)
	if err != nil {
		return nil, err
	}
	return ref.payload()[:ref.req], nil
}

// Compact is not supported.
func (h *Heap) Compact(t *thread.Thread, flags types.Flags) (uint64, error) {
	return 0, errors.Wrap(types.ErrUnsupported, "legacy: compaction")
}

// Info reports the heap's footprint.
func (h *Heap) Info(t *thread.Thread) types.HeapInfo {
	h.acquire(t, h.flags)
	defer h.release(t, h.flags)
	info := types.HeapInfo{Handle: h.handle, Backend: types.BackendLegacy, Flags: h.flags}
	for _, s := range h.segs {
		info.Reserved += s.mapping.Size()
		info.Committed += s.mapping.Size()
	}
	return info
}

// Stats returns a snapshot of the allocator counters.
func (h *Heap) Stats(t *thread.Thread) Stats {
	h.acquire(t, h.flags)
	defer h.release(t, h.flags)
	return h.stats
}

// Destroy releases every segment the heap mapped. Caller-supplied memory
// is left alone.
func (h *Heap) Destroy(t *thread.Thread) error {
	h.mu.Lock(t)
	defer h.mu.Unlock(t)
	if err := h.live(); err != nil {
		return err
	}
	h.destroyed = true
	var errs error
	for _, s := range h.segs {
		h.space.Remove(s.region.ID)
		if !s.fixed {
			errs = errors.CombineErrors(errs, h.vm.Release(s.mapping))
		}
	}
	h.segs = nil
	h.lists, h.largeFree = nil, nil
	clear(h.byOff)
	clear(h.endIdx)
	h.log.Debug("heap destroyed")
	return errs
}
