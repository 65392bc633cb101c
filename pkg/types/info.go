package types

// Handle identifies a heap inside a registry. Handle(0) is never valid.
type Handle uint32

// Backend names the allocator that services a heap.
type Backend int

const (
	// BackendLegacy is the single-lock arena allocator.
	BackendLegacy Backend = iota
	// BackendLowLock is the size-tiered low-lock allocator.
	BackendLowLock
)

func (b Backend) String() string {
	switch b {
	case BackendLegacy:
		return "legacy"
	case BackendLowLock:
		return "low-lock"
	default:
		return "unknown"
	}
}

// HeapInfo is returned by the heap-information query.
type HeapInfo struct {
	Handle    Handle
	Backend   Backend
	Flags     Flags
	Reserved  uint64 // bytes of address space reserved
	Committed uint64 // bytes committed
	// Reason explains why a heap was routed to the legacy backend ("" for
	// low-lock heaps).
	Reason string
}

// Kind is the tier tag stored in every block header.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindFast
	KindThread
	KindNormal
	KindLarge
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindFast:
		return "fast"
	case KindThread:
		return "thread"
	case KindNormal:
		return "normal"
	case KindLarge:
		return "large"
	case KindLegacy:
		return "legacy"
	default:
		return "invalid"
	}
}

// WalkEntry describes one block reported by a heap walk.
type WalkEntry struct {
	Ptr       Ptr    // payload address (busy blocks) or block address (free blocks)
	Container Ptr    // block address of the enclosing Buffer or Cluster; Null at top level
	Kind      Kind   // tier of the block
	BlockSize uint64 // bytes including header
	Size      uint64 // requested bytes for busy blocks, payload bytes for free blocks
	Busy      bool
	Deferred  bool // free but parked on a recent stack or inbox
	Role      string
}

// Walk roles of allocator-owned blocks. Client blocks have an empty Role.
const (
	RoleBuffer  = "buffer"  // per-thread Buffer carved from a subheap
	RoleCluster = "cluster" // fast-tier slab inside a Buffer
	RoleThread  = "thread"  // per-thread context anchor
	RoleSegment = "segment" // legacy heap segment; Ptr is the segment base
)
