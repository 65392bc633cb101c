package arena

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

func Test_Space_AddLookupRemove(t *testing.T) {
	s := New()
	m, err := vm.NewGoMemory(4096).Reserve(8192)
	require.NoError(t, err)

	r, err := s.Add(1, RegionSubheap, m, "owner")
	require.NoError(t, err)
	require.NotZero(t, r.ID)
	require.Equal(t, 1, s.Len())

	p := r.Ptr(64)
	got, ok := s.Lookup(p)
	require.True(t, ok)
	require.Equal(t, "owner", got.Owner)

	b, err := s.Bytes(p, 16)
	require.NoError(t, err)
	b[0] = 7
	require.Equal(t, byte(7), m.Bytes()[64])

	_, err = s.Bytes(p, 8192)
	require.True(t, errors.Is(err, types.ErrInvalidParameter))

	s.Remove(r.ID)
	_, ok = s.Lookup(p)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func Test_Space_IDsAreUnique(t *testing.T) {
	s := New()
	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		r, err := s.Add(1, RegionLarge, vm.Wrap(make([]byte, 64)), nil)
		require.NoError(t, err)
		require.False(t, seen[r.ID])
		seen[r.ID] = true
	}
}

func Test_Space_RejectsOutOfRange(t *testing.T) {
	s := New()
	r, err := s.Add(2, RegionLegacy, vm.Wrap(make([]byte, 64)), nil)
	require.NoError(t, err)

	_, ok := s.Lookup(r.Ptr(64))
	require.False(t, ok)
	_, ok = s.Lookup(types.Null)
	require.False(t, ok)
	_, ok = s.Lookup(types.MakePtr(r.ID+1, 0))
	require.False(t, ok)
}
