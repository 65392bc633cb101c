package vm

import (
	"unsafe"

	"github.com/joshuapare/heapkit/internal/format"
)

// GoMemory backs mappings with Go-heap memory. Commit is free, decommit
// zeroes the range so stale contents cannot be observed after a re-commit.
// It serves platforms without an OS provider and keeps tests independent of
// the host's mmap limits.
type GoMemory struct {
	page uint64
}

// NewGoMemory returns a Go-heap backed provider with the given page size
// (0 selects format.DefaultPageSize).
func NewGoMemory(page uint64) *GoMemory {
	if page == 0 {
		page = format.DefaultPageSize
	}
	return &GoMemory{page: page}
}

func (g *GoMemory) PageSize() uint64 { return g.page }

func (g *GoMemory) Reserve(size uint64) (*Mapping, error) {
	n, err := roundToPage(size, g.page)
	if err != nil {
		return nil, err
	}
	// Back with uint64 words so header state words are 8-byte aligned.
	words := make([]uint64, n/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
	return &Mapping{data: data}, nil
}

func (g *GoMemory) Commit(m *Mapping, off, size uint64) error {
	return checkRange(m, off, size, g.page)
}

func (g *GoMemory) Decommit(m *Mapping, off, size uint64) error {
	if err := checkRange(m, off, size, g.page); err != nil {
		return err
	}
	clear(m.data[off : off+size])
	return nil
}

func (g *GoMemory) Release(m *Mapping) error {
	if m == nil || m.data == nil {
		return nil
	}
	m.data = nil
	return nil
}
