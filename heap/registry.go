package heap

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/heap/legacy"
	"github.com/joshuapare/heapkit/heap/llheap"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

// backend is the operation set both allocators implement.
type backend interface {
	Flags() types.Flags
	Alloc(t *thread.Thread, flags types.Flags, size uint64) (types.Ptr, error)
	Free(t *thread.Thread, flags types.Flags, p types.Ptr) error
	Realloc(t *thread.Thread, flags types.Flags, p types.Ptr, size uint64) (types.Ptr, error)
	Size(t *thread.Thread, flags types.Flags, p types.Ptr) (uint64, error)
	Bytes(t *thread.Thread, p types.Ptr) ([]byte, error)
	Validate(t *thread.Thread, flags types.Flags, p types.Ptr) error
	Walk(t *thread.Thread, fn func(types.WalkEntry) bool) error
	Compact(t *thread.Thread, flags types.Flags) (uint64, error)
	Lock(t *thread.Thread)
	Unlock(t *thread.Thread) error
	Info(t *thread.Thread) types.HeapInfo
	Detach(t *thread.Thread)
	Destroy(t *thread.Thread) error
}

var (
	_ backend = (*llheap.Heap)(nil)
	_ backend = (*legacy.Heap)(nil)
)

type entry struct {
	b      backend
	slot   int // -1 for legacy heaps
	reason string
}

// Registry owns a set of heaps sharing one address space, one VM provider
// and one thread table. Handles are only meaningful within their registry.
//
// All methods are safe for concurrent use.
type Registry struct {
	vm    vm.Provider
	base  *zap.Logger // handed to backends
	log   *zap.Logger
	now   func() time.Time
	slots int
	dwell time.Duration

	space   *arena.Space
	threads *thread.Table
	next    atomic.Uint32

	mu    sync.RWMutex
	heaps map[types.Handle]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		space: arena.New(),
		heaps: make(map[types.Handle]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.vm == nil {
		r.vm = vm.NewOS()
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.log = logger.Named(r.base, "registry")
	r.threads = thread.NewTable(r.slots)
	return r
}

// Space returns the address space shared by the registry's heaps.
func (r *Registry) Space() *arena.Space { return r.space }

// AttachThread returns a new thread identity. Every call on behalf of a
// thread must carry the same *thread.Thread.
func (r *Registry) AttachThread() *thread.Thread { return r.threads.NewThread() }

// DetachThread is the thread-exit event: every heap drains and releases
// t's per-thread state. t must not be used afterwards.
func (r *Registry) DetachThread(t *thread.Thread) {
	r.mu.RLock()
	bs := make([]backend, 0, len(r.heaps))
	for _, e := range r.heaps {
		bs = append(bs, e.b)
	}
	r.mu.RUnlock()
	for _, b := range bs {
		b.Detach(t)
	}
}

// Create makes a heap. reserve is the initial reservation (0 selects the
// backend default) and commit the bytes committed up front. Heaps with
// caller memory, without FlagGrowable or with reservations past
// llheap.MaxSubheapSize are served by the legacy backend, as are heaps
// created after the thread-local slots run out or whose low-lock core
// fails to initialise.
func (r *Registry) Create(flags types.Flags, reserve, commit uint64, opts ...CreateOption) (types.Handle, error) {
	var cc createConfig
	for _, opt := range opts {
		opt(&cc)
	}
	if commit > reserve && reserve != 0 {
		return 0, types.Raise(flags, "create", types.Null,
			errors.Wrapf(types.ErrInvalidParameter, "commit %d exceeds reservation %d", commit, reserve))
	}
	h := types.Handle(r.next.Add(1))
	kind, reason := route(flags, reserve, cc.memory != nil)

	e := &entry{slot: -1, reason: reason}
	var err error
	if kind == types.BackendLowLock {
		slot, serr := r.threads.AllocSlot()
		if serr != nil {
			kind, e.reason = types.BackendLegacy, ReasonNoSlot
		} else {
			e.slot = slot
			e.b, err = llheap.New(llheap.Config{
				Handle:      h,
				Flags:       flags,
				Reserve:     reserve,
				Commit:      commit,
				VM:          r.vm,
				Space:       r.space,
				Slot:        slot,
				Obfuscator:  cc.obfuscator,
				Logger:      r.base,
				Clock:       r.now,
				BufferDwell: r.dwell,
			})
			if err != nil {
				r.log.Warn("low-lock heap unavailable, using legacy", zap.Uint32("heap", uint32(h)), zap.Error(err))
				r.threads.FreeSlot(slot)
				kind, e.reason, e.slot, err = types.BackendLegacy, ReasonInitFailed, -1, nil
			}
		}
	}
	if kind == types.BackendLegacy {
		e.b, err = legacy.New(legacy.Config{
			Handle:     h,
			Flags:      flags,
			Reserve:    reserve,
			Memory:     cc.memory,
			VM:         r.vm,
			Space:      r.space,
			Obfuscator: cc.obfuscator,
			Logger:     r.base,
		})
	}
	if err != nil {
		return 0, types.Raise(flags, "create", types.Null, errors.Wrapf(err, "create %s heap", kind))
	}

	r.mu.Lock()
	r.heaps[h] = e
	r.mu.Unlock()
	r.log.Debug("heap created",
		zap.Uint32("heap", uint32(h)),
		zap.Stringer("backend", kind),
		zap.Stringer("flags", flags),
		zap.String("reason", e.reason))
	return h, nil
}

func (r *Registry) lookup(h types.Handle) (*entry, error) {
	r.mu.RLock()
	e, ok := r.heaps[h]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(types.ErrInvalidParameter, "unknown heap handle %d", h)
	}
	return e, nil
}

// Destroy releases the heap and all its memory.
func (r *Registry) Destroy(t *thread.Thread, h types.Handle) error {
	r.mu.Lock()
	e, ok := r.heaps[h]
	delete(r.heaps, h)
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(types.ErrInvalidParameter, "unknown heap handle %d", h)
	}
	err := e.b.Destroy(t)
	if e.slot >= 0 {
		r.threads.FreeSlot(e.slot)
	}
	return err
}

// Close destroys every heap.
func (r *Registry) Close(t *thread.Thread) error {
	var errs error
	for _, h := range r.Heaps() {
		errs = errors.CombineErrors(errs, r.Destroy(t, h))
	}
	return errs
}

// Heaps returns the live handles in creation order.
func (r *Registry) Heaps() []types.Handle {
	r.mu.RLock()
	hs := make([]types.Handle, 0, len(r.heaps))
	for h := range r.heaps {
		hs = append(hs, h)
	}
	r.mu.RUnlock()
	slices.Sort(hs)
	return hs
}

// Alloc allocates size bytes from heap h.
func (r *Registry) Alloc(t *thread.Thread, h types.Handle, flags types.Flags, size uint64) (types.Ptr, error) {
	e, err := r.lookup(h)
	if err != nil {
		return types.Null, types.Raise(flags, "alloc", types.Null, err)
	}
	p, err := e.b.Alloc(t, flags, size)
	return p, types.Raise(e.b.Flags().Merge(flags), "alloc", types.Null, err)
}

// Free releases p.
func (r *Registry) Free(t *thread.Thread, h types.Handle, flags types.Flags, p types.Ptr) error {
	e, err := r.lookup(h)
	if err != nil {
		return types.Raise(flags, "free", p, err)
	}
	return types.Raise(e.b.Flags().Merge(flags), "free", p, e.b.Free(t, flags, p))
}

// Realloc resizes p to size bytes, moving it unless
// FlagReallocInPlaceOnly is set. On failure p is untouched.
func (r *Registry) Realloc(t *thread.Thread, h types.Handle, flags types.Flags, p types.Ptr, size uint64) (types.Ptr, error) {
	e, err := r.lookup(h)
	if err != nil {
		return types.Null, types.Raise(flags, "realloc", p, err)
	}
	q, err := e.b.Realloc(t, flags, p, size)
	return q, types.Raise(e.b.Flags().Merge(flags), "realloc", p, err)
}

// Size returns the requested size of p.
func (r *Registry) Size(t *thread.Thread, h types.Handle, flags types.Flags, p types.Ptr) (uint64, error) {
	e, err := r.lookup(h)
	if err != nil {
		return 0, types.Raise(flags, "size", p, err)
	}
	n, err := e.b.Size(t, flags, p)
	return n, types.Raise(e.b.Flags().Merge(flags), "size", p, err)
}

// Bytes returns p's payload. The slice aliases heap memory and is valid
// until p is freed or moved.
func (r *Registry) Bytes(t *thread.Thread, h types.Handle, p types.Ptr) ([]byte, error) {
	e, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.b.Bytes(t, p)
}

// Validate checks p, or the whole heap when p is Null.
func (r *Registry) Validate(t *thread.Thread, h types.Handle, flags types.Flags, p types.Ptr) error {
	e, err := r.lookup(h)
	if err != nil {
		return types.Raise(flags, "validate", p, err)
	}
	return types.Raise(e.b.Flags().Merge(flags), "validate", p, e.b.Validate(t, flags, p))
}

// Lock takes h's heap lock for t. Locks nest.
func (r *Registry) Lock(t *thread.Thread, h types.Handle) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	e.b.Lock(t)
	return nil
}

// Unlock releases one level of h's heap lock held by t.
func (r *Registry) Unlock(t *thread.Thread, h types.Handle) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	return e.b.Unlock(t)
}

// Info reports which backend serves h and why.
func (r *Registry) Info(t *thread.Thread, h types.Handle) (types.HeapInfo, error) {
	e, err := r.lookup(h)
	if err != nil {
		return types.HeapInfo{}, err
	}
	info := e.b.Info(t)
	info.Reason = e.reason
	return info, nil
}

// Walk reports h's blocks to fn until fn returns false.
func (r *Registry) Walk(t *thread.Thread, h types.Handle, fn func(types.WalkEntry) bool) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	return e.b.Walk(t, fn)
}

// Compact is not supported by either backend.
func (r *Registry) Compact(t *thread.Thread, h types.Handle, flags types.Flags) (uint64, error) {
	e, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.b.Compact(t, flags)
}

// Stats is a snapshot of one heap's counters. Only the field matching
// Backend is filled.
type Stats struct {
	Backend types.Backend
	LowLock llheap.Stats
	Legacy  legacy.Stats
}

// Stats returns h's counters.
func (r *Registry) Stats(t *thread.Thread, h types.Handle) (Stats, error) {
	e, err := r.lookup(h)
	if err != nil {
		return Stats{}, err
	}
	switch b := e.b.(type) {
	case *llheap.Heap:
		return Stats{Backend: types.BackendLowLock, LowLock: b.Stats()}, nil
	case *legacy.Heap:
		return Stats{Backend: types.BackendLegacy, Legacy: b.Stats(t)}, nil
	}
	return Stats{}, errors.AssertionFailedf("heap %d: unknown backend %T", h, e.b)
}
