// Package heap is the entry point of heapkit: a Registry of heaps, each
// served by either the low-lock size-tiered allocator (package llheap) or
// the single-lock legacy allocator (package legacy).
//
// # Quick Start
//
//	reg := heap.NewRegistry()
//	t := reg.AttachThread()
//	defer reg.DetachThread(t)
//
//	h, err := reg.Create(types.FlagGrowable, 0, 0)
//	if err != nil {
//	    return err
//	}
//	p, err := reg.Alloc(t, h, 0, 64)
//	if err != nil {
//	    return err
//	}
//	buf, _ := reg.Bytes(t, h, p)
//	copy(buf, "hello")
//	_ = reg.Free(t, h, 0, p)
//
// # Threads
//
// Go has no stable goroutine identity, so callers carry an explicit
// *thread.Thread. Obtain one per logical thread with AttachThread and pass
// it to every call made on that thread's behalf. DetachThread is the
// thread-exit notification; low-lock heaps drain the thread's inboxes and
// release or park its per-thread context.
//
// # Backend selection
//
// Create routes a heap to the legacy backend when any of these hold, and
// Info reports the reason:
//   - WithMemory supplies fixed memory
//   - FlagGrowable is not set
//   - the reservation exceeds llheap.MaxSubheapSize
//   - every thread-local slot is taken (see WithSlots)
//
// # Errors
//
// Failures wrap the sentinels in pkg/types. With FlagGenerateExceptions on
// the heap or the call, out-of-memory and invalid-parameter failures also
// panic with a *types.Fault.
package heap
