// Package lfstack implements the intrusive inboxes used for cross-thread
// frees: many producers push, a single consumer drains everything at once.
//
// The link word lives inside the pushed element (the first payload bytes of
// a freed block), so pushing never allocates. Push publishes the element
// with a release CAS; Drain takes the whole chain with an acquiring swap, so
// the link written before the CAS is visible to the drainer.
//
// There is no single-element pop. Without it a push-only stack cannot suffer
// ABA: an element re-enters the stack only after a drain has handed it back
// to its owner.
package lfstack

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/heapkit/pkg/types"
)

// Links reads and writes the link word stored inside an element.
type Links interface {
	Next(p types.Ptr) types.Ptr
	SetNext(p, next types.Ptr)
}

// Inbox is a multi-producer, single-drainer stack of addresses.
type Inbox interface {
	Push(l Links, p types.Ptr)
	// Drain detaches the whole chain and returns its head (Null if empty).
	Drain() types.Ptr
	Empty() bool
}

// Stack is the lock-free Inbox.
type Stack struct {
	head atomic.Uint64
}

var _ Inbox = (*Stack)(nil)

// Push links p in front of the current head.
func (s *Stack) Push(l Links, p types.Ptr) {
	for {
		old := s.head.Load()
		l.SetNext(p, types.Ptr(old))
		if s.head.CompareAndSwap(old, uint64(p)) {
			return
		}
	}
}

// Drain swaps the head with Null.
func (s *Stack) Drain() types.Ptr {
	if s.head.Load() == 0 {
		return types.Null
	}
	return types.Ptr(s.head.Swap(0))
}

// Empty reports whether nothing is queued. The answer may be stale by the
// time the caller acts on it.
func (s *Stack) Empty() bool { return s.head.Load() == 0 }

// LockedStack is an Inbox guarded by a mutex, for targets where 64-bit
// atomics are unavailable or too slow.
type LockedStack struct {
	mu   sync.Mutex
	head types.Ptr
}

var _ Inbox = (*LockedStack)(nil)

func (s *LockedStack) Push(l Links, p types.Ptr) {
	s.mu.Lock()
	l.SetNext(p, s.head)
	s.head = p
	s.mu.Unlock()
}

func (s *LockedStack) Drain() types.Ptr {
	s.mu.Lock()
	h := s.head
	s.head = types.Null
	s.mu.Unlock()
	return h
}

func (s *LockedStack) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head == types.Null
}

// Each calls fn for every element of a drained chain. The link is read
// before fn runs, so fn may reuse the element's memory.
func Each(l Links, head types.Ptr, fn func(types.Ptr)) int {
	n := 0
	for p := head; p != types.Null; {
		next := l.Next(p)
		fn(p)
		n++
		p = next
	}
	return n
}
