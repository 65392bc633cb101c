// Package verify checks the block stream produced by a heap walk.
//
// Both backends report blocks through types.WalkEntry. Entries checks the
// stream without access to heap internals, so it catches bookkeeping bugs
// the heaps' own Validate would share:
//
//	sum, err := verify.Walk(func(fn func(types.WalkEntry) bool) error {
//	    return reg.Walk(t, h, fn)
//	})
//	if err != nil {
//	    var verr *verify.ValidationError
//	    if errors.As(err, &verr) {
//	        fmt.Printf("%s at 0x%X: %s\n", verr.Type, verr.Offset, verr.Message)
//	    }
//	}
//
// # Rules
//
// A block's header address is its Ptr minus 16 for busy entries and its Ptr
// for free ones; legacy segment entries carry the segment base. Containers
// (buffers, clusters and segments) are keyed by header address, which is
// what their children's Container field holds.
//
// Error types: "Entry", "Alignment", "Size", "State", "Container",
// "Bounds", "Order" and "Coalescing". Offset is the header offset inside
// the block's region.
//
// Free blocks that sit on a recent stack or an inbox are reported as
// Deferred and may neighbour other free blocks. Fast slots never coalesce,
// so the adjacency rule does not apply inside clusters.
package verify
