package format

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Binary encoding utilities for little-endian integers.
//
// Implementation: Uses encoding/binary.LittleEndian. Header state words are
// the exception: they are read and written with sync/atomic so a foreign
// thread can flip a block's flags while the owner works on its neighbours.

// PutU16 writes a uint16 value to the buffer at the specified offset in little-endian format.
func PutU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutU32 writes a uint32 value to the buffer at the specified offset in little-endian format.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes a uint64 value to the buffer at the specified offset in little-endian format.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU16 reads a uint16 value from the buffer at the specified offset in little-endian format.
func ReadU16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// ReadU32 reads a uint32 value from the buffer at the specified offset in little-endian format.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads a uint64 value from the buffer at the specified offset in little-endian format.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// word returns the 64-bit word at off. Region backing memory is 8-byte
// aligned and header offsets are multiples of 16, so the word is aligned.
func word(b []byte, off int) *uint64 {
	if off < 0 || off+8 > len(b) {
		panic(fmt.Sprintf("format: word at %d outside %d-byte buffer", off, len(b)))
	}
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// LoadWord atomically loads the native-endian word at off.
func LoadWord(b []byte, off int) uint64 {
	return atomic.LoadUint64(word(b, off))
}

// StoreWord atomically stores v at off.
func StoreWord(b []byte, off int, v uint64) {
	atomic.StoreUint64(word(b, off), v)
}

// CASWord atomically replaces old with v at off.
func CASWord(b []byte, off int, old, v uint64) bool {
	return atomic.CompareAndSwapUint64(word(b, off), old, v)
}
