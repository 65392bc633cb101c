package heap

import (
	"github.com/joshuapare/heapkit/heap/llheap"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Reasons reported in types.HeapInfo.Reason for legacy heaps.
const (
	ReasonFixedMemory  = "caller-supplied memory"
	ReasonNotGrowable  = "non-growable heap"
	ReasonReserveLimit = "reservation exceeds subheap limit"
	ReasonNoSlot       = "no thread-local slot"
	ReasonInitFailed   = "low-lock initialisation failed"
)

// route picks the backend for a heap from its creation parameters. The
// slot check happens later, in Create.
func route(flags types.Flags, reserve uint64, fixed bool) (types.Backend, string) {
	switch {
	case fixed:
		return types.BackendLegacy, ReasonFixedMemory
	case !flags.Has(types.FlagGrowable):
		return types.BackendLegacy, ReasonNotGrowable
	case reserve > llheap.MaxSubheapSize:
		return types.BackendLegacy, ReasonReserveLimit
	}
	return types.BackendLowLock, ""
}
