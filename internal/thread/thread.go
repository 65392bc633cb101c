// Package thread models OS thread identity for the heaps: a Thread handle
// carries an id and a small array of thread-local slots, a Table hands out
// ids and slot indices, and Mutex is a lock that the holding thread may
// re-acquire.
//
// Goroutines have no stable identity, so callers obtain a Thread once per
// logical thread of execution and pass it to every heap call. Thread-exit
// is an explicit event (see heap.Registry.DetachThread).
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrNoSlot is returned when every thread-local slot is in use.
var ErrNoSlot = errors.New("thread: no free TLS slot")

// DefaultSlots is the slot capacity of a table created with NewTable(0).
const DefaultSlots = 64

// Thread is a caller-held thread identity plus its TLS slots.
//
// NOT thread-safe: a Thread must only be used by the goroutine that
// represents it.
type Thread struct {
	id    uint64
	slots []any
}

// ID returns the thread id. Ids are never 0.
func (t *Thread) ID() uint64 {
	if t == nil {
		return 0
	}
	return t.id
}

// Slot returns the value stored in TLS slot i, or nil.
func (t *Thread) Slot(i int) any {
	if t == nil || i < 0 || i >= len(t.slots) {
		return nil
	}
	return t.slots[i]
}

// SetSlot stores v in TLS slot i.
func (t *Thread) SetSlot(i int, v any) {
	if t == nil || i < 0 || i >= len(t.slots) {
		return
	}
	t.slots[i] = v
}

// Table allocates thread ids and TLS slot indices.
type Table struct {
	nextID atomic.Uint64

	mu   sync.Mutex
	used []bool
}

// NewTable creates a table with n slots (0 selects DefaultSlots).
func NewTable(n int) *Table {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Table{used: make([]bool, n)}
}

// NewThread returns a fresh thread identity.
func (tb *Table) NewThread() *Thread {
	return &Thread{
		id:    tb.nextID.Add(1),
		slots: make([]any, len(tb.used)),
	}
}

// AllocSlot reserves a TLS slot index.
func (tb *Table) AllocSlot() (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i, u := range tb.used {
		if !u {
			tb.used[i] = true
			return i, nil
		}
	}
	return -1, ErrNoSlot
}

// FreeSlot returns slot i to the table. Values left in threads' slots are
// stale; owners must recognise them (e.g. by comparing a back pointer).
func (tb *Table) FreeSlot(i int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if i >= 0 && i < len(tb.used) {
		tb.used[i] = false
	}
}

// Capacity reports the number of slots.
func (tb *Table) Capacity() int { return len(tb.used) }
