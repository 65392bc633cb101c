// Package vm provides the virtual-memory service the heaps build on.
//
// A region of address space moves through three states:
//
//  1. Reserved  - owned by the heap, not yet usable.
//  2. Committed - readable and writable.
//  3. Decommitted - still reserved; contents are discarded and must be
//     re-committed before use.
//
// Release returns a mapping to the OS regardless of its state. Commit and
// decommit ranges must be page aligned.
package vm

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/format"
)

var (
	// ErrReserve indicates the OS refused to reserve address space.
	ErrReserve = errors.New("vm: reserve failed")
	// ErrCommit indicates the OS refused to commit pages.
	ErrCommit = errors.New("vm: commit failed")
	// ErrRange indicates a commit/decommit range outside the mapping or not page aligned.
	ErrRange = errors.New("vm: bad range")
	// ErrLimit indicates a Limited provider refused a reservation.
	ErrLimit = errors.New("vm: reservation limit reached")
)

// Mapping is one reserved range of address space.
type Mapping struct {
	data []byte
	// platform state (e.g. base address on Windows)
	base uintptr
}

// Bytes returns the whole reserved range. Only committed pages may be touched.
func (m *Mapping) Bytes() []byte { return m.data }

// Size returns the reserved size in bytes.
func (m *Mapping) Size() uint64 { return uint64(len(m.data)) }

// Provider reserves, commits, decommits and releases address space.
//
// Implementations:
//   - OS: mmap/mprotect/madvise on unix, VirtualAlloc/VirtualFree on Windows
//   - GoMemory: Go-heap backed fallback, also used in tests
//   - Counting, Limited: wrappers for accounting and failure injection
type Provider interface {
	// Reserve reserves at least size bytes (rounded up to the page size).
	Reserve(size uint64) (*Mapping, error)
	// Commit makes [off, off+size) usable.
	Commit(m *Mapping, off, size uint64) error
	// Decommit discards the contents of [off, off+size).
	Decommit(m *Mapping, off, size uint64) error
	// Release returns the whole mapping.
	Release(m *Mapping) error
	// PageSize reports the commit granularity.
	PageSize() uint64
}

// checkRange validates a page-aligned sub-range of m.
func checkRange(m *Mapping, off, size, page uint64) error {
	if m == nil {
		return errors.Wrap(ErrRange, "nil mapping")
	}
	if off%page != 0 || size%page != 0 {
		return errors.Wrapf(ErrRange, "range [%#x,+%#x) not aligned to %#x", off, size, page)
	}
	if off+size < off || off+size > m.Size() {
		return errors.Wrapf(ErrRange, "range [%#x,+%#x) outside mapping of %#x", off, size, m.Size())
	}
	return nil
}

// roundToPage rounds size up to the provider page size.
func roundToPage(size, page uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrReserve, "zero-length reservation")
	}
	r, ok := format.AlignUp(size, page)
	if !ok || r > uint64(^uint(0)>>1) {
		return 0, errors.Wrapf(ErrReserve, "reservation of %d bytes overflows", size)
	}
	return r, nil
}

// PageAlignedInterior returns the largest page-aligned sub-range of
// [start, end), or ok=false when it holds no whole page.
func PageAlignedInterior(start, end, page uint64) (off, size uint64, ok bool) {
	lo, fits := format.AlignUp(start, page)
	if !fits {
		return 0, 0, false
	}
	hi := format.AlignDown(end, page)
	if hi <= lo {
		return 0, 0, false
	}
	return lo, hi - lo, true
}

// Wrap returns a Mapping over caller-owned memory. Wrapped mappings are
// never passed to a Provider; the owner of b keeps it alive.
func Wrap(b []byte) *Mapping { return &Mapping{data: b} }
