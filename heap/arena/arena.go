// Package arena maps heap addresses (types.Ptr) to the memory behind them.
//
// A Space is the address space of one registry. Every VM mapping a heap
// uses (a subheap, a large block, a legacy segment) is registered as a
// Region with a unique id; a Ptr is that id plus an offset. Lookups are
// lock-free reads of a sync.Map so any thread can resolve any address.
package arena

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

// RegionKind records what a region holds.
type RegionKind uint8

const (
	RegionSubheap RegionKind = iota + 1
	RegionLarge
	RegionLegacy
)

func (k RegionKind) String() string {
	switch k {
	case RegionSubheap:
		return "subheap"
	case RegionLarge:
		return "large"
	case RegionLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Region is one registered mapping.
type Region struct {
	ID   uint32
	Heap types.Handle
	Kind RegionKind
	Map  *vm.Mapping
	// Owner is the backend object managing the region (a subheap, a large
	// block, a legacy segment).
	Owner any
}

// Bytes returns the region's whole reserved range.
func (r *Region) Bytes() []byte { return r.Map.Bytes() }

// Ptr returns the address of off inside r.
func (r *Region) Ptr(off uint32) types.Ptr { return types.MakePtr(r.ID, off) }

// Space is a registry-wide address space.
type Space struct {
	regions sync.Map // uint32 -> *Region
	next    atomic.Uint32
	count   atomic.Int64
}

// New returns an empty address space.
func New() *Space { return &Space{} }

// Add registers m and returns its region.
func (s *Space) Add(heap types.Handle, kind RegionKind, m *vm.Mapping, owner any) (*Region, error) {
	if m == nil {
		return nil, errors.Wrap(types.ErrInvalidParameter, "arena: nil mapping")
	}
	id := s.next.Add(1)
	if id == 0 {
		return nil, errors.Wrap(types.ErrOutOfMemory, "arena: region ids exhausted")
	}
	r := &Region{ID: id, Heap: heap, Kind: kind, Map: m, Owner: owner}
	s.regions.Store(id, r)
	s.count.Add(1)
	return r, nil
}

// Remove unregisters region id. Addresses inside it stop resolving.
func (s *Space) Remove(id uint32) {
	if _, ok := s.regions.LoadAndDelete(id); ok {
		s.count.Add(-1)
	}
}

// Region returns the region with the given id.
func (s *Space) Region(id uint32) (*Region, bool) {
	v, ok := s.regions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Region), true
}

// Lookup returns the region holding p.
func (s *Space) Lookup(p types.Ptr) (*Region, bool) {
	if p.IsNull() {
		return nil, false
	}
	r, ok := s.Region(p.Region())
	if !ok || uint64(p.Offset()) >= r.Map.Size() {
		return nil, false
	}
	return r, true
}

// Bytes returns n bytes starting at p.
func (s *Space) Bytes(p types.Ptr, n uint64) ([]byte, error) {
	r, ok := s.Lookup(p)
	if !ok {
		return nil, errors.Wrapf(types.ErrInvalidParameter, "arena: unknown address %s", p)
	}
	off := uint64(p.Offset())
	if off+n < off || off+n > r.Map.Size() {
		return nil, errors.Wrapf(types.ErrInvalidParameter, "arena: %d bytes at %s exceed region", n, p)
	}
	return r.Bytes()[off : off+n : off+n], nil
}

// Len reports the number of registered regions.
func (s *Space) Len() int { return int(s.count.Load()) }

// Range calls fn for every region until fn returns false.
func (s *Space) Range(fn func(*Region) bool) {
	s.regions.Range(func(_, v any) bool { return fn(v.(*Region)) })
}
