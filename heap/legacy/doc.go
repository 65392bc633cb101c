// Package legacy implements the conventional single-lock heap that backs
// heaps the low-lock allocator cannot serve: heaps over caller-supplied
// memory, non-growable heaps and oversized reservations.
//
// # Layout
//
// A heap is a list of segments. Each segment is one arena region tiled by
// blocks starting at offset 16:
//
//	+----------------+-----------+-----------+------------------+
//	| size (int64)   | requested | tag       | payload ...      |
//	| < 0 when busy  | (uint32)  | (uint32)  |                  |
//	+----------------+-----------+-----------+------------------+
//
// The tag mixes the heap obfuscator with the block address, size and
// requested size; any header write outside the allocator shows up as a
// tag mismatch.
//
// # Free space
//
// Free blocks are indexed by size class (see SizeClassConfig). Each class
// is a min-heap keyed on block size, so the top of a heap is the best fit
// within its class; blocks past the last class bound (just above
// MediumMax) go on a single unsorted list. Two maps make coalescing
// O(1): byOff finds a free block's heap entry from its address, and endIdx
// finds the free block that ends where a freed block begins.
//
// Growable heaps add segments geometrically (capped at 64 MiB per step)
// and return emptied segments other than the first. Fixed heaps fail with
// types.ErrOutOfMemory once no free block fits.
//
// # Concurrency
//
// Every operation takes the heap lock, a thread.Mutex, unless the call
// carries types.FlagNoSerialize.
package legacy
