package lfstack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/heapkit/pkg/types"
)

// mapLinks keeps link words in a map so tests need no arena.
type mapLinks struct {
	mu   sync.Mutex
	next map[types.Ptr]types.Ptr
}

func newMapLinks() *mapLinks { return &mapLinks{next: make(map[types.Ptr]types.Ptr)} }

func (m *mapLinks) Next(p types.Ptr) types.Ptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next[p]
}

func (m *mapLinks) SetNext(p, next types.Ptr) {
	m.mu.Lock()
	m.next[p] = next
	m.mu.Unlock()
}

func collect(l Links, head types.Ptr) []types.Ptr {
	var out []types.Ptr
	Each(l, head, func(p types.Ptr) { out = append(out, p) })
	return out
}

func Test_Stack_DrainIsLIFO(t *testing.T) {
	l := newMapLinks()
	var s Stack
	require.True(t, s.Empty())
	require.Equal(t, types.Null, s.Drain())

	for i := 1; i <= 3; i++ {
		s.Push(l, types.MakePtr(1, uint32(i*16)))
	}
	require.False(t, s.Empty())
	got := collect(l, s.Drain())
	require.Equal(t, []types.Ptr{types.MakePtr(1, 48), types.MakePtr(1, 32), types.MakePtr(1, 16)}, got)
	require.True(t, s.Empty())
}

func Test_LockedStack_MatchesStack(t *testing.T) {
	l := newMapLinks()
	var s LockedStack
	s.Push(l, types.MakePtr(2, 16))
	s.Push(l, types.MakePtr(2, 32))
	require.False(t, s.Empty())
	require.Equal(t, []types.Ptr{types.MakePtr(2, 32), types.MakePtr(2, 16)}, collect(l, s.Drain()))
	require.True(t, s.Empty())
}

func Test_Stack_ConcurrentPushersLoseNothing(t *testing.T) {
	const producers, perProducer = 8, 500
	l := newMapLinks()
	var s Stack

	var g errgroup.Group
	for w := 0; w < producers; w++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				s.Push(l, types.MakePtr(uint32(w+1), uint32((i+1)*16)))
			}
			return nil
		})
	}

	seen := make(map[types.Ptr]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(seen) < producers*perProducer {
			Each(l, s.Drain(), func(p types.Ptr) { seen[p] = true })
		}
	}()
	require.NoError(t, g.Wait())
	<-done
	require.Len(t, seen, producers*perProducer)
}
