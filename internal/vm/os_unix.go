//go:build unix

package vm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// OS reserves address space with an inaccessible anonymous mapping and
// commits by changing page protection. Decommit hands the pages back with
// MADV_DONTNEED; the range stays readable and reads back as zeroes.
type OS struct {
	page uint64
}

// NewOS returns the host provider.
func NewOS() Provider {
	return &OS{page: uint64(unix.Getpagesize())}
}

func (o *OS) PageSize() uint64 { return o.page }

func (o *OS) Reserve(size uint64) (*Mapping, error) {
	n, err := roundToPage(size, o.page)
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(-1, 0, int(n), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(ErrReserve, "mmap %d bytes: %v", n, err)
	}
	return &Mapping{data: data}, nil
}

func (o *OS) Commit(m *Mapping, off, size uint64) error {
	if err := checkRange(m, off, size, o.page); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if err := unix.Mprotect(m.data[off:off+size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrapf(ErrCommit, "mprotect [%#x,+%#x): %v", off, size, err)
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
	return unix.Madvise(m.data[off:off+size], unix.MADV_DONTNEED)
}

func (o *OS) Release(m *Mapping) error {
	if m == nil || m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		err = nil
	}
	m.data = nil
	return err
}
