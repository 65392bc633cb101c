package llheap

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Config describes a low-lock heap.
type Config struct {
	Handle  types.Handle
	Flags   types.Flags
	Reserve uint64 // primary subheap reservation (0 selects DefaultReserve)
	Commit  uint64 // initially committed bytes

	VM    vm.Provider
	Space *arena.Space
	// Slot is the TLS slot holding each thread's context for this heap.
	Slot int

	Obfuscator  uint64 // 0 draws a random one
	Logger      *zap.Logger
	Clock       func() time.Time
	BufferDwell time.Duration
}

// Heap is a low-lock heap. All methods are safe for concurrent use by
// distinct threads unless the heap was created with FlagNoSerialize.
type Heap struct {
	handle types.Handle
	flags  types.Flags
	vm     vm.Provider
	space  *arena.Space
	slot   int
	obf    uint64
	log    *zap.Logger
	now    func() time.Time
	dwell  time.Duration
	links  links

	mu thread.Mutex

	// guarded by mu
	subheaps    []*subheap
	nextReserve uint64
	larges      map[uint32]*largeBlock
	threads     map[*perThread]struct{}
	parked      []*perThread
	freed       []*buffer
	decommitted []*buffer
	destroyed   bool

	// block address -> *buffer, *cluster or *perThread
	containers sync.Map
	stats      counters
}

// New creates a heap and its primary subheap.
func New(cfg Config) (*Heap, error) {
	if cfg.VM == nil {
		cfg.VM = vm.NewOS()
	}
	if cfg.Space == nil {
		cfg.Space = arena.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BufferDwell <= 0 {
		cfg.BufferDwell = DefaultBufferDwell
	}
	if cfg.Reserve == 0 {
		cfg.Reserve = DefaultReserve
	}
	if cfg.Reserve > MaxSubheapSize {
		return nil, errors.Wrapf(types.ErrInvalidParameter, "reservation of %d bytes exceeds %d", cfg.Reserve, uint64(MaxSubheapSize))
	}
	obf := cfg.Obfuscator
	for obf == 0 {
		obf = rand.Uint64()
	}
	h := &Heap{
		handle:  cfg.Handle,
		flags:   cfg.Flags,
		vm:      cfg.VM,
		space:   cfg.Space,
		slot:    cfg.Slot,
		obf:     obf,
		log:     logger.Named(cfg.Logger, "llheap").With(zap.Uint32("heap", uint32(cfg.Handle))),
		now:     cfg.Clock,
		dwell:   cfg.BufferDwell,
		links:   links{space: cfg.Space},
		larges:  make(map[uint32]*largeBlock),
		threads: make(map[*perThread]struct{}),
	}
	reserve := max(cfg.Reserve, cfg.Commit)
	if _, err := h.addSubheap(reserve, cfg.Commit, true); err != nil {
		return nil, err
	}
	h.nextReserve = h.subheaps[0].reserved
	return h, nil
}

// acquire takes the heap lock unless the call is unserialized.
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

// extraFlags returns the header flags a new block carries.
func (h *Heap) extraFlags() uint8 {
	if h.flags.Has(types.FlagTailChecking) {
		return flagTailFill
	}
	return 0
}

// Alloc allocates size bytes.
func (h *Heap) Alloc(t *thread.Thread, flags types.Flags, size uint64) (types.Ptr, error) {
	flags = h.flags.Merge(flags)
	if t == nil {
		return types.Null, errors.Wrap(types.ErrInvalidParameter, "nil thread")
	}
	c, err := Classify(size, flags)
	if err != nil {
		return types.Null, err
	}
	p, err := h.alloc(t, c, size, flags)
	if err != nil {
		return types.Null, err
	}
	h.prepare(p, 0, size, flags)
	return p, nil
}

func (h *Heap) alloc(t *thread.Thread, c Class, size uint64, flags types.Flags) (types.Ptr, error) {
	extra := h.extraFlags()
	switch c.Kind {
	case types.KindFast:
		pt, err := h.context(t, flags)
		if err != nil {
			return types.Null, err
		}
		p, err := h.allocFast(t, pt, c.Fast, uint32(size), extra, flags)
		if err != nil {
			return types.Null, err
		}
		h.stats.inc(cFastAllocs)
		return p.Add(format.HeaderSize), nil

	case types.KindThread:
		pt, err := h.context(t, flags)
		if err != nil {
			return types.Null, err
		}
		b, off, err := h.allocThread(t, pt, uint32(c.BlockSize), uint32(size), extra, flags)
		if err != nil {
			return types.Null, err
		}
		h.stats.inc(cThreadAllocs)
		return b.area.v.ptr(off + format.HeaderSize), nil

	case types.KindNormal:
		h.acquire(t, flags)
		defer h.release(t, flags)
		h.reclaimBuffers()
		sh, off, err := h.allocNormal(uint32(c.BlockSize), uint32(size), extra)
		if err != nil {
			return types.Null, err
		}
		h.stats.inc(cNormalAllocs)
		return sh.region.Ptr(off + format.HeaderSize), nil

	default:
		p, err := h.allocLarge(t, c, size, extra, flags)
		if err != nil {
			return types.Null, err
		}
		h.stats.inc(cLargeAllocs)
		return p, nil
	}
}

// prepare zeroes new payload bytes and writes the tail pattern after a
// block was sized for size bytes. from is the previous payload size.
func (h *Heap) prepare(p types.Ptr, from, size uint64, flags types.Flags) {
	if !flags.Has(types.FlagZeroMemory) && !h.flags.Has(types.FlagTailChecking) {
		return
	}
	ref, err := h.resolve(p)
	if err != nil {
		return
	}
	payload := ref.payload()
	if flags.Has(types.FlagZeroMemory) && size > from {
		clear(payload[from:size])
	}
	if h.flags.Has(types.FlagTailChecking) {
		fillTail(payload[size:ref.capacity()])
	}
}

// Free releases the block at p.
func (h *Heap) Free(t *thread.Thread, flags types.Flags, p types.Ptr) error {
	flags = h.flags.Merge(flags)
	if t == nil {
		return errors.Wrap(types.ErrInvalidParameter, "nil thread")
	}
	ref, err := h.resolve(p)
	if err != nil {
		return err
	}
	if err := h.precheck(t, ref, flags); err != nil {
		return err
	}
	if err := h.free(t, ref, flags); err != nil {
		return err
	}
	h.stats.inc(cFrees)
	return nil
}

// precheck runs the integrity checks that guard a mutation.
func (h *Heap) precheck(t *thread.Thread, ref blockRef, flags types.Flags) error {
	if err := ref.checkTail(); err != nil {
		h.log.Warn("tail pattern overwritten", zap.Stringer("block", ref.ptr()), zap.Error(err))
		return err
	}
	if !h.flags.Has(types.FlagValidate) {
		return nil
	}
	return h.validateContainer(t, ref, flags)
}

func (h *Heap) free(t *thread.Thread, ref blockRef, flags types.Flags) error {
	switch ref.kind {
	case types.KindFast:
		return h.freeOwned(t, ref.cl.buf, flags,
			func(pt *perThread) error { return h.freeFastLocal(t, pt, ref.cl, ref.off, flags) },
			func(pt *perThread) error {
				if err := ref.v.markPending(ref.off); err != nil {
					return err
				}
				pt.inbox.Push(h.links, ref.block())
				return nil
			})

	case types.KindThread:
		return h.freeOwned(t, ref.buf, flags,
			func(pt *perThread) error { return h.freeThreadLocal(t, pt, ref.buf, ref.off, flags) },
			func(*perThread) error {
				if err := ref.v.markPending(ref.off); err != nil {
					return err
				}
				ref.buf.inbox.Push(h.links, ref.block())
				return nil
			})

	case types.KindNormal:
		h.acquire(t, flags)
		defer h.release(t, flags)
		return h.freeNormal(ref.sh, ref.off)

	default:
		return h.freeLarge(t, ref.lb, flags)
	}
}

// freeOwned routes a Fast or Thread free by the owner of buffer b: the
// owner frees locally, a parked context is freed under the heap lock, any
// other thread hands the block over through an inbox.
func (h *Heap) freeOwned(t *thread.Thread, b *buffer, flags types.Flags, local, remote func(*perThread) error) error {
	for {
		pt := b.owner.Load()
		if pt == nil {
			return errors.Wrapf(types.ErrInvalidParameter, "buffer %s has no owner", b.ptr)
		}
		switch pt.owner.Load() {
		case t.ID():
			return local(pt)

		case 0:
			h.acquire(t, flags)
			if pt.owner.Load() == 0 && b.owner.Load() == pt {
				err := local(pt)
				h.release(t, flags)
				return err
			}
			h.release(t, flags)
			continue

		default:
			if err := remote(pt); err != nil {
				return err
			}
			h.stats.inc(cRemoteFrees)
			if pt.owner.Load() == 0 {
				h.drainParked(t, pt, flags)
			}
			return nil
		}
	}
}

// Size returns the requested size of the block at p.
func (h *Heap) Size(t *thread.Thread, flags types.Flags, p types.Ptr) (uint64, error) {
	ref, err := h.resolve(p)
	if err != nil {
		return 0, err
	}
	return ref.size(), nil
}

// Bytes returns the payload of the block at p.
func (h *Heap) Bytes(t *thread.Thread, p types.Ptr) ([]byte, error) {
	ref, err := h.resolve(p)
	if err != nil {
		return nil, err
	}
	return ref.payload()[:ref.size()], nil
}

// Compact is not supported.
func (h *Heap) Compact(t *thread.Thread, flags types.Flags) (uint64, error) {
	return 0, errors.Wrap(types.ErrUnsupported, "llheap: compaction")
}

// Info reports the heap's backend and footprint.
func (h *Heap) Info(t *thread.Thread) types.HeapInfo {
	h.acquire(t, h.flags)
	defer h.release(t, h.flags)
	info := types.HeapInfo{Handle: h.handle, Backend: types.BackendLowLock, Flags: h.flags}
	for _, sh := range h.subheaps {
		info.Reserved += sh.reserved
		info.Committed += sh.committed.Load()
	}
	for _, lb := range h.larges {
		info.Reserved += lb.mapping.Size()
		info.Committed += lb.mapping.Size()
	}
	for _, b := range h.decommitted {
		info.Committed -= b.dSize
	}
	return info
}

// Destroy releases every mapping of the heap. Outstanding pointers become
// invalid; thread contexts are abandoned.
func (h *Heap) Destroy(t *thread.Thread) error {
	h.mu.Lock(t)
	defer h.mu.Unlock(t)
	if h.destroyed {
		return errors.Wrap(types.ErrInvalidParameter, "heap already destroyed")
	}
	h.destroyed = true
	for pt := range h.threads {
		pt.owner.Store(0)
	}
	var errs error
	for id, lb := range h.larges {
		h.space.Remove(id)
		errs = errors.CombineErrors(errs, h.vm.Release(lb.mapping))
	}
	for _, sh := range h.subheaps {
		h.space.Remove(sh.region.ID)
		errs = errors.CombineErrors(errs, h.vm.Release(sh.mapping))
	}
	h.larges, h.subheaps = nil, nil
	h.threads, h.parked, h.freed, h.decommitted = nil, nil, nil, nil
	h.containers.Clear()
	h.log.Debug("heap destroyed")
	return errs
}
