package llheap

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/pkg/types"
)

func fill(t *testing.T, env *testEnv, p types.Ptr, seed byte) {
	t.Helper()
	data, err := env.h.Bytes(env.tab.NewThread(), p)
	require.NoError(t, err)
	for i := range data {
		data[i] = seed + byte(i)
	}
}

func requireFilled(t *testing.T, env *testEnv, p types.Ptr, seed byte, n uint64) {
	t.Helper()
	data, err := env.h.Bytes(env.tab.NewThread(), p)
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint64(len(data)), n)
	for i := uint64(0); i < n; i++ {
		if data[i] != seed+byte(i) {
			require.Failf(t, "contents changed", "byte %d of %s: got %#x", i, p, data[i])
		}
	}
}

func Test_Realloc_ShrinkKeepsAddress(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
		kind     types.Kind
	}{
		{"fast", 100, 90, types.KindFast},
		{"fast to minimum", 100, 8, types.KindFast},
		{"thread", 8000, 4000, types.KindThread},
		{"thread to minimum", 8000, 8, types.KindThread},
		{"normal", 100000, 60000, types.KindNormal},
		{"normal to minimum", 100000, 8, types.KindNormal},
		{"large", 1 << 20, 600000, types.KindLarge},
		{"large to minimum", 1 << 20, 8, types.KindLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestHeap(t, 0)
			owner := env.tab.NewThread()
			p, err := env.h.Alloc(owner, 0, tt.from)
			require.NoError(t, err)
			require.Equal(t, tt.kind, env.kindOf(t, p))
			fill(t, env, p, 0x21)

			q, err := env.h.Realloc(owner, 0, p, tt.to)
			require.NoError(t, err)
			require.Equal(t, p, q)
			require.Equal(t, tt.kind, env.kindOf(t, q))
			n, err := env.h.Size(owner, 0, q)
			require.NoError(t, err)
			require.Equal(t, tt.to, n)
			requireFilled(t, env, q, 0x21, tt.to)

			st := env.h.Stats()
			require.Equal(t, uint64(1), st.ReallocsInPlace)
			require.Zero(t, st.ReallocsMoved)
			require.NoError(t, env.h.Validate(owner, 0, types.Null))
			require.NoError(t, env.h.Free(owner, 0, q))
		})
	}
}

func Test_Realloc_MovesAcrossTiers(t *testing.T) {
	env := newTestHeap(t, 0)
	owner := env.tab.NewThread()
	p, err := env.h.Alloc(owner, 0, 100)
	require.NoError(t, err)
	require.Equal(t, types.KindFast, env.kindOf(t, p))
	fill(t, env, p, 0x40)

	q, err := env.h.Realloc(owner, 0, p, 5000)
	require.NoError(t, err)
	require.NotEqual(t, p, q)
	require.Equal(t, types.KindThread, env.kindOf(t, q))
	n, err := env.h.Size(owner, 0, q)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), n)
	requireFilled(t, env, q, 0x40, 100)

	_, err = env.h.Size(owner, 0, p)
	requireInvalid(t, err)
	require.Equal(t, uint64(1), env.h.Stats().ReallocsMoved)
	require.NoError(t, env.h.Validate(owner, 0, types.Null))
}

func Test_Realloc_InPlaceOnly(t *testing.T) {
	env := newTestHeap(t, 0)
	owner := env.tab.NewThread()
	p, err := env.h.Alloc(owner, 0, 100)
	require.NoError(t, err)
	fill(t, env, p, 0x10)

	_, err = env.h.Realloc(owner, types.FlagReallocInPlaceOnly, p, 5000)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrOutOfMemory), "got %v", err)

	n, err := env.h.Size(owner, 0, p)
	require.NoError(t, err)
	require.Equal(t, uint64(100), n)
	requireFilled(t, env, p, 0x10, 100)

	// Growth within the slot still succeeds.
	q, err := env.h.Realloc(owner, types.FlagReallocInPlaceOnly, p, 110)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Zero(t, env.h.Stats().ReallocsMoved)
}

func Test_Realloc_FailedMoveReleasesDestination(t *testing.T) {
	env := newTestHeap(t, 0)
	owner := env.tab.NewThread()
	np, err := env.h.Alloc(owner, 0, 5000)
	require.NoError(t, err)

	cause := errors.Wrap(types.ErrCorrupted, "source block")
	err = env.h.undoMove(owner, np, 0, cause)
	require.True(t, errors.Is(err, types.ErrCorrupted), "got %v", err)
	_, err = env.h.Size(owner, 0, np)
	requireInvalid(t, err)
	require.Equal(t, uint64(1), env.h.Stats().Frees)
}
