// Package format holds the on-arena layout shared by the heap backends:
// alignment rules, header geometry and little-endian field accessors.
package format

import "math/bits"

const (
	// Alignment is the allocation unit. Every block, payload and header
	// offset is a multiple of it.
	Alignment     = 16
	AlignmentMask = Alignment - 1

	// HeaderSize is the size of a block header (state word + size/back-offset word).
	HeaderSize = 16

	// MinBlockSize fits a header plus the free-list links and the footer.
	MinBlockSize = 32

	// TailPadding is appended to every request when tail checking is on.
	TailPadding = 16

	// TailFill is the byte pattern written into tail padding.
	TailFill = 0xAB

	// LargePrefixSize is the extra prefix in front of a large block header
	// holding the requested and mapped sizes.
	LargePrefixSize = 16

	// DefaultPageSize is used when the VM provider does not report one.
	DefaultPageSize = 4096
)

// Header field offsets, relative to the block start.
const (
	StateWordOffset = 0 // uint64, atomic: kind | flags | tail | checksum
	SizeOffset      = 8 // uint32: block size including header
	BackOffset      = 12

	// Free-block payload fields.
	FreeNextOffset = HeaderSize     // uint32 region offset of next free block
	FreePrevOffset = HeaderSize + 4 // uint32 region offset of previous free block
	FooterSize     = 4              // trailing uint32 carrying the block size
)

// Tier thresholds on the effective request size (payload plus tail padding).
const (
	// FastLimit is the largest request served by the fast slab tier.
	FastLimit = 7 * Alignment
	// ThreadThreshold is the smallest request that leaves the thread tier.
	ThreadThreshold = 16 << 10
	// LargeThreshold is the smallest request served by a dedicated mapping:
	// 512 KiB on 64-bit targets, 256 KiB on 32-bit ones.
	LargeThreshold = (64 << 10) * (bits.UintSize / 8)
)
