package llheap

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/arena"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

type testEnv struct {
	h     *Heap
	tab   *thread.Table
	vm    *vm.Counting
	space *arena.Space
	now   time.Time
}

func newTestHeap(t *testing.T, flags types.Flags, tweak ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		tab:   thread.NewTable(0),
		vm:    vm.NewCounting(vm.NewGoMemory(0)),
		space: arena.New(),
		now:   time.Unix(1_700_000_000, 0),
	}
	slot, err := env.tab.AllocSlot()
	require.NoError(t, err)
	cfg := Config{
		Handle:     1,
		Flags:      flags,
		VM:         env.vm,
		Space:      env.space,
		Slot:       slot,
		Obfuscator: 0xfeedface,
		Clock:      func() time.Time { return env.now },
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	env.h, err = New(cfg)
	require.NoError(t, err)
	return env
}

func (e *testEnv) kindOf(t *testing.T, p types.Ptr) types.Kind {
	t.Helper()
	ref, err := e.h.resolve(p)
	require.NoError(t, err)
	return ref.kind
}

func requireInvalid(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrInvalidParameter), "got %v", err)
}

func Test_Heap_AllocServesEachTier(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()

	cases := []struct {
		size uint64
		kind types.Kind
	}{
		{0, types.KindFast},
		{24, types.KindFast},
		{format.FastLimit, types.KindFast},
		{1000, types.KindThread},
		{20000, types.KindNormal},
		{format.LargeThreshold, types.KindLarge},
	}
	for _, tc := range cases {
		p, err := env.h.Alloc(th, 0, tc.size)
		require.NoError(t, err, "size %d", tc.size)
		require.True(t, format.IsAligned(uint64(p.Offset())))
		require.Equal(t, tc.kind, env.kindOf(t, p), "size %d", tc.size)

		n, err := env.h.Size(th, 0, p)
		require.NoError(t, err)
		require.Equal(t, tc.size, n)

		b, err := env.h.Bytes(th, p)
		require.NoError(t, err)
		require.Len(t, b, int(tc.size))
		for i := range b {
			b[i] = byte(i)
		}
		require.NoError(t, env.h.Validate(th, 0, p))
		require.NoError(t, env.h.Free(th, 0, p))

		_, err = env.h.Size(th, 0, p)
		requireInvalid(t, err)
	}
	require.NoError(t, env.h.Validate(th, 0, types.Null))

	st := env.h.Stats()
	require.Equal(t, uint64(3), st.FastAllocs)
	require.Equal(t, uint64(1), st.ThreadAllocs)
	require.Equal(t, uint64(1), st.NormalAllocs)
	require.Equal(t, uint64(1), st.LargeAllocs)
	require.Equal(t, uint64(6), st.Frees)
}

func Test_Heap_NilThread(t *testing.T) {
	env := newTestHeap(t, 0)
	_, err := env.h.Alloc(nil, 0, 16)
	requireInvalid(t, err)
}

func Test_Heap_RejectsForeignPointers(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()
	p, err := env.h.Alloc(th, 0, 64)
	require.NoError(t, err)

	for _, bad := range []types.Ptr{
		types.Null,
		p.Add(8),
		p.Add(format.Alignment),
		types.MakePtr(999, 64),
		types.MakePtr(p.Region(), 0),
	} {
		requireInvalid(t, env.h.Free(th, 0, bad))
		_, err := env.h.Size(th, 0, bad)
		requireInvalid(t, err)
	}

	// Same space, other heap.
	other, err := New(Config{Handle: 2, VM: env.vm, Space: env.space, Slot: 1})
	require.NoError(t, err)
	requireInvalid(t, other.Free(th, 0, p))
	require.NoError(t, env.h.Free(th, 0, p))
}

func Test_Heap_DoubleFree(t *testing.T) {
	env := newTestHeap(t, types.FlagValidate)
	th := env.tab.NewThread()
	for _, size := range []uint64{32, 2000, 30000, format.LargeThreshold} {
		p, err := env.h.Alloc(th, 0, size)
		require.NoError(t, err)
		require.NoError(t, env.h.Free(th, 0, p))
		requireInvalid(t, env.h.Free(th, 0, p))
	}
	require.NoError(t, env.h.Validate(th, 0, types.Null))
}

func Test_Heap_RejectsAllocatorOwnedBlocks(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()
	_, err := env.h.Alloc(th, 0, 48)
	require.NoError(t, err)

	var internal []types.Ptr
	require.NoError(t, env.h.Walk(th, func(e types.WalkEntry) bool {
		if e.Role != "" {
			internal = append(internal, e.Ptr)
		}
		return true
	}))
	// anchor, buffer and cluster
	require.Len(t, internal, 3)
	for _, p := range internal {
		requireInvalid(t, env.h.Free(th, 0, p))
	}
	require.NoError(t, env.h.Validate(th, 0, types.Null))
}

func Test_Heap_ZeroMemory(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()
	for _, size := range []uint64{64, 3000, 40000} {
		p, err := env.h.Alloc(th, 0, size)
		require.NoError(t, err)
		b, err := env.h.Bytes(th, p)
		require.NoError(t, err)
		for i := range b {
			b[i] = 0xCC
		}
		require.NoError(t, env.h.Free(th, 0, p))

		q, err := env.h.Alloc(th, types.FlagZeroMemory, size)
		require.NoError(t, err)
		require.Equal(t, p, q)
		b, err = env.h.Bytes(th, q)
		require.NoError(t, err)
		require.Equal(t, make([]byte, size), b)
	}
}

func Test_Heap_TailChecking(t *testing.T) {
	env := newTestHeap(t, types.FlagTailChecking)
	th := env.tab.NewThread()
	for _, size := range []uint64{20, 500, 20000} {
		p, err := env.h.Alloc(th, 0, size)
		require.NoError(t, err)
		require.NoError(t, env.h.Validate(th, 0, p))

		ref, err := env.h.resolve(p)
		require.NoError(t, err)
		ref.payload()[size] = 0

		err = env.h.Validate(th, 0, p)
		require.True(t, errors.Is(err, types.ErrCorrupted), "size %d: %v", size, err)
		err = env.h.Free(th, 0, p)
		require.True(t, errors.Is(err, types.ErrCorrupted), "size %d: %v", size, err)

		ref.payload()[size] = format.TailFill
		require.NoError(t, env.h.Free(th, 0, p))
	}
}

func Test_Heap_ValidateDetectsHeaderDamage(t *testing.T) {
	env := newTestHeap(t, types.FlagValidate)
	th := env.tab.NewThread()
	p1, err := env.h.Alloc(th, 0, 20000)
	require.NoError(t, err)
	p2, err := env.h.Alloc(th, 0, 20000)
	require.NoError(t, err)
	require.NoError(t, env.h.Validate(th, 0, types.Null))

	ref, err := env.h.resolve(p2)
	require.NoError(t, err)
	ref.v.mem[ref.off+format.BackOffset] ^= 1

	err = env.h.Validate(th, 0, types.Null)
	require.True(t, errors.Is(err, types.ErrCorrupted))
	// The damaged neighbour fails the container check on free.
	err = env.h.Free(th, 0, p1)
	require.True(t, errors.Is(err, types.ErrCorrupted))
	requireInvalid(t, env.h.Free(th, 0, p2))
}

func Test_Heap_OutOfMemory(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()
	_, err := env.h.Alloc(th, 0, MaxRequest+1)
	require.True(t, errors.Is(err, types.ErrOutOfMemory))

	lim := newTestHeap(t, 0, func(c *Config) { c.VM = vm.NewLimited(vm.NewGoMemory(0), 2<<20) })
	_, err = lim.h.Alloc(th, 0, 4<<20)
	require.True(t, errors.Is(err, types.ErrOutOfMemory))
	_, err = lim.h.Alloc(th, 0, 200<<10)
	require.NoError(t, err)
}

func Test_Heap_LargeMapping(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()
	before := env.vm.Stats()

	p, err := env.h.Alloc(th, 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, types.KindLarge, env.kindOf(t, p))
	sizes := env.vm.ReservedSizes()
	require.Equal(t, uint64(1<<20+4096), sizes[len(sizes)-1])
	require.Equal(t, before.LiveMappings+1, env.vm.Stats().LiveMappings)

	require.NoError(t, env.h.Free(th, 0, p))
	after := env.vm.Stats()
	require.Equal(t, before.LiveMappings, after.LiveMappings)
	require.Equal(t, before.LiveBytes, after.LiveBytes)
	requireInvalid(t, env.h.Free(th, 0, p))
}

func Test_Heap_SubheapGrowthAndRelease(t *testing.T) {
	env := newTestHeap(t, 0, func(c *Config) { c.Reserve = 64 << 10 })
	th := env.tab.NewThread()

	p, err := env.h.Alloc(th, 0, 200<<10)
	require.NoError(t, err)
	require.Equal(t, types.KindNormal, env.kindOf(t, p))
	st := env.h.Stats()
	require.Equal(t, uint64(2), st.SubheapsReserved)

	info := env.h.Info(th)
	require.Greater(t, info.Reserved, uint64(264<<10))

	require.NoError(t, env.h.Free(th, 0, p))
	require.Equal(t, uint64(1), env.h.Stats().SubheapsReleased)
	require.Equal(t, 1, env.vm.Stats().LiveMappings)
	require.NoError(t, env.h.Validate(th, 0, types.Null))
}

func Test_Heap_PrimaryGrowsByCommit(t *testing.T) {
	env := newTestHeap(t, 0)
	th := env.tab.NewThread()
	committed := env.h.Info(th).Committed

	var ps []types.Ptr
	for i := 0; i < 8; i++ {
		p, err := env.h.Alloc(th, 0, 32<<10)
		require.NoError(t, err)
		ps = append(ps, p)
	}
	require.Greater(t, env.h.Info(th).Committed, committed)
	require.Equal(t, uint64(1), env.h.Stats().SubheapsReserved)
	require.NotZero(t, env.h.Stats().SubheapGrowths)
	for _, p := range ps {
		require.NoError(t, env.h.Free(th, 0, p))
	}
	require.NoError(t, env.h.Validate(th, 0, types.Null))
}

func Test_Heap_LockNests(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b := env.tab.NewThread(), env.tab.NewThread()

	requireInvalid(t, env.h.Unlock(a))
	env.h.Lock(a)
	env.h.Lock(a)
	p, err := env.h.Alloc(a, 0, 30000)
	require.NoError(t, err)
	requireInvalid(t, env.h.Unlock(b))
	require.NoError(t, env.h.Unlock(a))
	require.NoError(t, env.h.Unlock(a))
	requireInvalid(t, env.h.Unlock(a))
	require.NoError(t, env.h.Free(b, 0, p))
}

func Test_Heap_CompactUnsupported(t *testing.T) {
	env := newTestHeap(t, 0)
	_, err := env.h.Compact(env.tab.NewThread(), 0)
	require.True(t, errors.Is(err, types.ErrUnsupported))
}

func Test_Heap_InfoAndDestroy(t *testing.T) {
	env := newTestHeap(t, types.FlagGrowable)
	th := env.tab.NewThread()
	_, err := env.h.Alloc(th, 0, format.LargeThreshold)
	require.NoError(t, err)

	info := env.h.Info(th)
	require.Equal(t, types.BackendLowLock, info.Backend)
	require.Equal(t, types.Handle(1), info.Handle)
	require.Equal(t, types.FlagGrowable, info.Flags)
	require.GreaterOrEqual(t, info.Reserved, uint64(DefaultReserve))
	require.LessOrEqual(t, info.Committed, info.Reserved)

	require.NoError(t, env.h.Destroy(th))
	require.Equal(t, 0, env.vm.Stats().LiveMappings)
	require.Equal(t, 0, env.space.Len())
	requireInvalid(t, env.h.Destroy(th))
}
