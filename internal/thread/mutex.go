package thread

import (
	"sync"
	"sync/atomic"
)

// Mutex is a mutual-exclusion lock keyed by thread identity. The holder may
// lock it again; each Lock needs a matching Unlock. A nil Thread (id 0)
// never matches the holder and therefore cannot recurse.
type Mutex struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int // guarded by mu
}

// Lock acquires m for t.
func (m *Mutex) Lock(t *Thread) {
	id := t.ID()
	if id != 0 && m.owner.Load() == id {
		m.depth++
		return
	}
	m.mu.Lock()
	m.owner.Store(id)
	m.depth = 1
}

// Unlock releases one level of m held by t. It reports false when t does
// not hold the lock.
func (m *Mutex) Unlock(t *Thread) bool {
	if m.owner.Load() != t.ID() || m.depth == 0 {
		return false
	}
	m.depth--
	if m.depth > 0 {
		return true
	}
	m.owner.Store(0)
	m.mu.Unlock()
	return true
}

// HeldBy reports whether t currently holds m.
func (m *Mutex) HeldBy(t *Thread) bool {
	id := t.ID()
	return id != 0 && m.owner.Load() == id
}
