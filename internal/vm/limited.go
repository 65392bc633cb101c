package vm

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Limited caps the total bytes a Provider may have reserved at once.
// Reservations past the cap fail with ErrLimit.
type Limited struct {
	inner Provider
	limit uint64

	mu   sync.Mutex
	used uint64
	live map[*Mapping]uint64
}

// NewLimited wraps inner with a reservation cap of limit bytes.
func NewLimited(inner Provider, limit uint64) *Limited {
	return &Limited{inner: inner, limit: limit, live: make(map[*Mapping]uint64)}
}

func (l *Limited) PageSize() uint64 { return l.inner.PageSize() }

func (l *Limited) Reserve(size uint64) (*Mapping, error) {
	n, err := roundToPage(size, l.inner.PageSize())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.used+n > l.limit || l.used+n < l.used {
		l.mu.Unlock()
		return nil, errors.Wrapf(ErrLimit, "reserve %d bytes with %d of %d in use", n, l.used, l.limit)
	}
	l.used += n
	l.mu.Unlock()

	m, err := l.inner.Reserve(n)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.used -= n
		return nil, err
	}
	l.live[m] = n
	return m, nil
}

func (l *Limited) Commit(m *Mapping, off, size uint64) error {
	return l.inner.Commit(m, off, size)
}

func (l *Limited) Decommit(m *Mapping, off, size uint64) error {
	return l.inner.Decommit(m, off, size)
}

func (l *Limited) Release(m *Mapping) error {
	l.mu.Lock()
	if n, ok := l.live[m]; ok {
		l.used -= n
		delete(l.live, m)
	}
	l.mu.Unlock()
	return l.inner.Release(m)
}
