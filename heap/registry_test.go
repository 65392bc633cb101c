package heap

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/llheap"
	"github.com/joshuapare/heapkit/heap/verify"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

type testEnv struct {
	reg *Registry
	vm  *vm.Counting
	now time.Time
}

func newTestRegistry(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		vm:  vm.NewCounting(vm.NewGoMemory(0)),
		now: time.Unix(1_700_000_000, 0),
	}
	opts = append([]Option{WithVM(env.vm), WithClock(func() time.Time { return env.now })}, opts...)
	env.reg = NewRegistry(opts...)
	t.Cleanup(func() {
		require.NoError(t, env.reg.Close(env.reg.AttachThread()))
		require.Zero(t, env.vm.Stats().LiveMappings)
	})
	return env
}

func (e *testEnv) create(t *testing.T, flags types.Flags, reserve uint64, opts ...CreateOption) types.Handle {
	t.Helper()
	h, err := e.reg.Create(flags, reserve, 0, append([]CreateOption{WithObfuscator(0xc0ffee)}, opts...)...)
	require.NoError(t, err)
	return h
}

func (e *testEnv) stats(t *testing.T, h types.Handle) llheap.Stats {
	t.Helper()
	st, err := e.reg.Stats(nil, h)
	require.NoError(t, err)
	require.Equal(t, types.BackendLowLock, st.Backend)
	return st.LowLock
}

func requireKind(t *testing.T, err error, target error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, target), "got %v", err)
}

func Test_Route_Reasons(t *testing.T) {
	cases := []struct {
		name    string
		flags   types.Flags
		reserve uint64
		fixed   bool
		backend types.Backend
		reason  string
	}{
		{"growable", types.FlagGrowable, 0, false, types.BackendLowLock, ""},
		{"at limit", types.FlagGrowable, llheap.MaxSubheapSize, false, types.BackendLowLock, ""},
		{"past limit", types.FlagGrowable, llheap.MaxSubheapSize + 1, false, types.BackendLegacy, ReasonReserveLimit},
		{"fixed size", 0, 64 << 10, false, types.BackendLegacy, ReasonNotGrowable},
		{"fixed memory", types.FlagGrowable, 0, true, types.BackendLegacy, ReasonFixedMemory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, reason := route(tc.flags, tc.reserve, tc.fixed)
			require.Equal(t, tc.backend, b)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func Test_Registry_CreateReportsBackend(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()

	low := env.create(t, types.FlagGrowable, 0)
	info, err := env.reg.Info(th, low)
	require.NoError(t, err)
	require.Equal(t, types.BackendLowLock, info.Backend)
	require.Empty(t, info.Reason)
	require.Equal(t, low, info.Handle)

	leg := env.create(t, 0, 64<<10)
	info, err = env.reg.Info(th, leg)
	require.NoError(t, err)
	require.Equal(t, types.BackendLegacy, info.Backend)
	require.Equal(t, ReasonNotGrowable, info.Reason)

	require.Equal(t, []types.Handle{low, leg}, env.reg.Heaps())

	_, err = env.reg.Create(types.FlagGrowable, 4096, 8192)
	requireKind(t, err, types.ErrInvalidParameter)
}

func Test_Registry_FallsBackWhenSlotsRunOut(t *testing.T) {
	env := newTestRegistry(t, WithSlots(1))
	th := env.reg.AttachThread()

	first := env.create(t, types.FlagGrowable, 0)
	second := env.create(t, types.FlagGrowable, 0)
	info, err := env.reg.Info(th, second)
	require.NoError(t, err)
	require.Equal(t, types.BackendLegacy, info.Backend)
	require.Equal(t, ReasonNoSlot, info.Reason)

	// Destroying the low-lock heap returns its slot.
	require.NoError(t, env.reg.Destroy(th, first))
	third := env.create(t, types.FlagGrowable, 0)
	info, err = env.reg.Info(th, third)
	require.NoError(t, err)
	require.Equal(t, types.BackendLowLock, info.Backend)
}

// refusingVM fails the next n reservations.
type refusingVM struct {
	vm.Provider
	n atomic.Int32
}

func (r *refusingVM) Reserve(size uint64) (*vm.Mapping, error) {
	if r.n.Add(-1) >= 0 {
		return nil, errors.Wrapf(vm.ErrReserve, "refused %d bytes", size)
	}
	return r.Provider.Reserve(size)
}

func Test_Registry_FallsBackWhenLowLockInitFails(t *testing.T) {
	counting := vm.NewCounting(vm.NewGoMemory(0))
	p := &refusingVM{Provider: counting}
	p.n.Store(1)
	env := newTestRegistry(t, WithVM(p), WithSlots(1))
	th := env.reg.AttachThread()

	h := env.create(t, types.FlagGrowable, 0)
	info, err := env.reg.Info(th, h)
	require.NoError(t, err)
	require.Equal(t, types.BackendLegacy, info.Backend)
	require.Equal(t, ReasonInitFailed, info.Reason)

	ptr, err := env.reg.Alloc(th, h, 0, 100)
	require.NoError(t, err)
	require.NoError(t, env.reg.Free(th, h, 0, ptr))

	// The slot taken for the failed attempt is free again.
	next := env.create(t, types.FlagGrowable, 0)
	info, err = env.reg.Info(th, next)
	require.NoError(t, err)
	require.Equal(t, types.BackendLowLock, info.Backend)

	require.NoError(t, env.reg.Destroy(th, h))
	require.NoError(t, env.reg.Destroy(th, next))
	require.Zero(t, counting.Stats().LiveMappings)
}

func Test_Registry_UnknownHandle(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	h := env.create(t, types.FlagGrowable, 0)
	require.NoError(t, env.reg.Destroy(th, h))

	_, err := env.reg.Alloc(th, h, 0, 8)
	requireKind(t, err, types.ErrInvalidParameter)
	requireKind(t, env.reg.Free(th, h, 0, types.MakePtr(1, 32)), types.ErrInvalidParameter)
	_, err = env.reg.Info(th, h)
	requireKind(t, err, types.ErrInvalidParameter)
	requireKind(t, env.reg.Lock(th, h), types.ErrInvalidParameter)
	requireKind(t, env.reg.Destroy(th, h), types.ErrInvalidParameter)
}

func Test_Registry_GenerateExceptionsPanics(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	h := env.create(t, types.FlagGrowable|types.FlagGenerateExceptions, 0)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			f, ok := r.(*types.Fault)
			require.True(t, ok, "recovered %T", r)
			require.Equal(t, "free", f.Op)
			require.Equal(t, types.ErrKindInvalidParameter, f.Kind)
			require.True(t, errors.Is(f, types.ErrInvalidParameter))
		}()
		_ = env.reg.Free(th, h, 0, types.MakePtr(999, 64))
	}()

	// Without the flag the same failure is only returned.
	plain := env.create(t, types.FlagGrowable, 0)
	requireKind(t, env.reg.Free(th, plain, 0, types.MakePtr(999, 64)), types.ErrInvalidParameter)
	require.Panics(t, func() {
		_ = env.reg.Free(th, plain, types.FlagGenerateExceptions, types.MakePtr(999, 64))
	})
}

func Test_Registry_AllocSizeRealloc(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	for _, flags := range []types.Flags{types.FlagGrowable, 0} {
		h := env.create(t, flags, 256<<10)
		for _, n := range []uint64{1, 16, 100, 2000, 20000} {
			p, err := env.reg.Alloc(th, h, 0, n)
			require.NoError(t, err)
			require.True(t, format.IsAligned(uint64(p.Offset())))
			got, err := env.reg.Size(th, h, 0, p)
			require.NoError(t, err)
			require.GreaterOrEqual(t, got, n)

			b, err := env.reg.Bytes(th, h, p)
			require.NoError(t, err)
			for i := range b {
				b[i] = byte(i)
			}
			q, err := env.reg.Realloc(th, h, 0, p, n/2+1)
			require.NoError(t, err)
			require.Equal(t, p, q)
			b, err = env.reg.Bytes(th, h, q)
			require.NoError(t, err)
			for i := range b {
				require.Equal(t, byte(i), b[i])
			}
			require.NoError(t, env.reg.Free(th, h, 0, q))
		}
		require.NoError(t, env.reg.Validate(th, h, 0, types.Null))
		_, err := env.reg.Compact(th, h, 0)
		requireKind(t, err, types.ErrUnsupported)
	}
}

func Test_Registry_LockNests(t *testing.T) {
	env := newTestRegistry(t)
	a, b := env.reg.AttachThread(), env.reg.AttachThread()
	h := env.create(t, types.FlagGrowable, 0)

	require.NoError(t, env.reg.Lock(a, h))
	require.NoError(t, env.reg.Lock(a, h))
	_, err := env.reg.Alloc(a, h, 0, 20000)
	require.NoError(t, err)
	requireKind(t, env.reg.Unlock(b, h), types.ErrInvalidParameter)
	require.NoError(t, env.reg.Unlock(a, h))
	require.NoError(t, env.reg.Unlock(a, h))
	requireKind(t, env.reg.Unlock(a, h), types.ErrInvalidParameter)
}

// Scenario: a thread's freed fast blocks are reused before new storage.
func Test_Scenario_FastBlocksReused(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	h := env.create(t, types.FlagGrowable, 0)

	seen := make(map[types.Ptr]bool, 1000)
	ps := make([]types.Ptr, 0, 1000)
	for i := 0; i < 1000; i++ {
		p, err := env.reg.Alloc(th, h, 0, 8)
		require.NoError(t, err)
		require.False(t, seen[p], "address %s handed out twice", p)
		seen[p] = true
		ps = append(ps, p)
	}
	for _, p := range ps {
		require.NoError(t, env.reg.Free(th, h, 0, p))
	}
	before := env.stats(t, h)

	p, err := env.reg.Alloc(th, h, 0, 8)
	require.NoError(t, err)
	require.True(t, seen[p], "expected a previously freed address, got %s", p)

	after := env.stats(t, h)
	require.Equal(t, before.BuffersAcquired(), after.BuffersAcquired())
	require.Equal(t, before.SubheapsReserved, after.SubheapsReserved)
	require.Equal(t, before.SubheapGrowths, after.SubheapGrowths)
	require.Equal(t, uint64(1001), after.FastAllocs)
}

// Scenario: a thread-tier block freed by another thread.
func Test_Scenario_CrossThreadFree(t *testing.T) {
	env := newTestRegistry(t)
	a, b := env.reg.AttachThread(), env.reg.AttachThread()
	h := env.create(t, types.FlagGrowable, 0)

	p, err := env.reg.Alloc(a, h, 0, 2048)
	require.NoError(t, err)
	require.NoError(t, env.reg.Free(b, h, 0, p))

	_, err = env.reg.Size(a, h, 0, p)
	requireKind(t, err, types.ErrInvalidParameter)

	acquired := env.stats(t, h).BuffersAcquired()
	_, err = env.reg.Alloc(a, h, 0, 2048)
	require.NoError(t, err)
	st := env.stats(t, h)
	require.Equal(t, acquired, st.BuffersAcquired())
	require.Equal(t, uint64(1), st.RemoteFrees)
	require.Equal(t, uint64(1), st.Drained)
}

// Scenario: one mapping per large block.
func Test_Scenario_LargeBlockMapping(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	h := env.create(t, types.FlagGrowable, 0)
	before := env.vm.Stats()

	p, err := env.reg.Alloc(th, h, 0, 1<<20)
	require.NoError(t, err)
	mid := env.vm.Stats()
	require.Equal(t, before.Reserves+1, mid.Reserves)
	sizes := env.vm.ReservedSizes()
	require.Equal(t, uint64(1<<20+4096), sizes[len(sizes)-1])

	require.NoError(t, env.reg.Free(th, h, 0, p))
	after := env.vm.Stats()
	require.Equal(t, mid.Releases+1, after.Releases)
	require.Equal(t, before.LiveMappings, after.LiveMappings)
	require.Equal(t, before.LiveBytes, after.LiveBytes)
}

// Scenario: a fixed 64 KiB heap runs out instead of growing.
func Test_Scenario_FixedHeapExhausts(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	mem := make([]byte, 64<<10)
	h := env.create(t, 0, 0, WithMemory(mem))

	info, err := env.reg.Info(th, h)
	require.NoError(t, err)
	require.Equal(t, types.BackendLegacy, info.Backend)
	require.Equal(t, ReasonFixedMemory, info.Reason)
	reserves := env.vm.Stats().Reserves

	var used uint64
	for {
		_, err = env.reg.Alloc(th, h, 0, 512)
		if err != nil {
			break
		}
		used += 512
		require.LessOrEqual(t, used, uint64(64<<10))
	}
	requireKind(t, err, types.ErrOutOfMemory)
	require.Greater(t, used, uint64(60<<10))
	require.Equal(t, reserves, env.vm.Stats().Reserves)
	require.NoError(t, env.reg.Validate(th, h, 0, types.Null))
}

func Test_Registry_WalkVerifies(t *testing.T) {
	env := newTestRegistry(t)
	th := env.reg.AttachThread()
	for _, flags := range []types.Flags{types.FlagGrowable, 0} {
		h := env.create(t, flags, 1<<20)
		var ps []types.Ptr
		for i := 0; i < 200; i++ {
			p, err := env.reg.Alloc(th, h, 0, uint64(8+(i*37)%3000))
			require.NoError(t, err)
			ps = append(ps, p)
		}
		for i := 0; i < len(ps); i += 3 {
			require.NoError(t, env.reg.Free(th, h, 0, ps[i]))
		}
		sum, err := verify.Walk(func(fn func(types.WalkEntry) bool) error {
			return env.reg.Walk(th, h, fn)
		})
		require.NoError(t, err)
		require.NotZero(t, sum.Containers)
	}
}

func Test_Registry_DetachThread(t *testing.T) {
	env := newTestRegistry(t)
	h := env.create(t, types.FlagGrowable, 0)
	leg := env.create(t, 0, 64<<10)

	a := env.reg.AttachThread()
	p, err := env.reg.Alloc(a, h, 0, 24)
	require.NoError(t, err)
	_, err = env.reg.Alloc(a, leg, 0, 24)
	require.NoError(t, err)
	require.NoError(t, env.reg.Free(a, h, 0, p))
	env.reg.DetachThread(a)

	st := env.stats(t, h)
	require.Equal(t, uint64(1), st.ThreadsDestroyed)
	require.Zero(t, st.ThreadsParked)

	// A context with live blocks is parked; any thread may free them.
	b := env.reg.AttachThread()
	q, err := env.reg.Alloc(b, h, 0, 24)
	require.NoError(t, err)
	env.reg.DetachThread(b)
	require.Equal(t, uint64(1), env.stats(t, h).ThreadsParked)

	c := env.reg.AttachThread()
	require.NoError(t, env.reg.Free(c, h, 0, q))
	require.NoError(t, env.reg.Validate(c, h, 0, types.Null))
}
