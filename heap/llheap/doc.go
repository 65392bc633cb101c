// Package llheap implements the low-lock, size-tiered allocator.
//
// Requests are classified into four tiers by size:
//
//	Fast    <= 112 bytes   64-slot Clusters per size class, per thread
//	Thread  <  16 KiB      ThreadBlocks carved from per-thread Buffers
//	Normal  <  512 KiB     Blocks carved from shared Subheaps, Heap lock
//	Large   >= 512 KiB     one VM mapping per block, Heap lock
//
// (256 KiB is the Normal/Large boundary on 32-bit targets.)
//
// Every block starts with a 16-byte header:
//
//	0  state word (atomic): kind | flags | unused tail | checksum
//	8  block size including the header
//	12 offset back to the block's container (Subheap, Buffer or Cluster)
//
// The checksum mixes the heap's random obfuscator with the header fields and
// the block address. It is recomputed on every header change and checked on
// every operation that trusts a header; a mismatch is reported as
// corruption and the block is left untouched. This catches stray writes and
// double frees, not deliberate forgery.
//
// Fast and Thread blocks belong to the thread whose PerThread owns their
// Buffer. The owner frees them without atomics beyond the header CAS; any
// other thread marks the block pending and pushes it onto a lock-free inbox
// the owner drains before its next allocation of that tier. A pending block
// is no longer a valid argument to Size, Validate or Free.
//
// Free ThreadBlocks and Normal Blocks go first onto a short "recent" stack
// and are coalesced with their neighbours only when the stack spills or a
// request does not fit its top entry.
package llheap
