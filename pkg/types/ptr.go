package types

import "fmt"

// Ptr is an address inside a registry's address space.
//
// The upper 32 bits carry the region id, the lower 32 bits the byte offset
// inside that region. Ptr(0) is the null address; region ids start at 1.
type Ptr uint64

// Null is the zero address returned alongside errors.
const Null Ptr = 0

// MakePtr builds an address from a region id and a region offset.
func MakePtr(region, off uint32) Ptr {
	return Ptr(uint64(region)<<32 | uint64(off))
}

// Region returns the region id of p.
func (p Ptr) Region() uint32 { return uint32(p >> 32) }

// Offset returns the byte offset of p inside its region.
func (p Ptr) Offset() uint32 { return uint32(p) }

// Add returns p moved by delta bytes inside the same region.
func (p Ptr) Add(delta uint32) Ptr { return MakePtr(p.Region(), p.Offset()+delta) }

// Sub returns p moved back by delta bytes inside the same region.
func (p Ptr) Sub(delta uint32) Ptr { return MakePtr(p.Region(), p.Offset()-delta) }

// IsNull reports whether p is the null address.
func (p Ptr) IsNull() bool { return p == Null }

func (p Ptr) String() string {
	if p == Null {
		return "null"
	}
	return fmt.Sprintf("%d:%#x", p.Region(), p.Offset())
}
