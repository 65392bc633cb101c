//go:build windows

package vm

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// OS reserves with VirtualAlloc(MEM_RESERVE) and commits/decommits page
// ranges in place. Decommitted pages fault on access until re-committed.
type OS struct {
	page uint64
}

// NewOS returns the host provider.
func NewOS() Provider {
	return &OS{page: uint64(windows.Getpagesize())}
}

func (o *OS) PageSize() uint64 { return o.page }

func (o *OS) Reserve(size uint64) (*Mapping, error) {
	n, err := roundToPage(size, o.page)
	if err != nil {
		return nil, err
	}
	base, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, errors.Wrapf(ErrReserve, "VirtualAlloc reserve %d bytes: %v", n, err)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), n)
	return &Mapping{data: data, base: base}, nil
}

func (o *OS) Commit(m *Mapping, off, size uint64) error {
	if err := checkRange(m, off, size, o.page); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if _, err := windows.VirtualAlloc(m.base+uintptr(off), uintptr(size), windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return errors.Wrapf(ErrCommit, "VirtualAlloc commit [%#x,+%#x): %v", off, size, err)
	}
	return nil
}

func (o *OS) Decommit(m *Mapping, off, size uint64) error {
	if err := checkRange(m, off, size, o.page); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	return windows.VirtualFree(m.base+uintptr(off), uintptr(size), windows.MEM_DECOMMIT)
}

func (o *OS) Release(m *Mapping) error {
	if m == nil || m.data == nil {
		return nil
	}
	err := windows.VirtualFree(m.base, 0, windows.MEM_RELEASE)
	m.data = nil
	m.base = 0
	return err
}
