package llheap

import (
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/thread"
	"github.com/joshuapare/heapkit/pkg/types"
)

func Test_Remote_FastFreesReturnToOwner(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b := env.tab.NewThread(), env.tab.NewThread()

	var ps []types.Ptr
	for i := 0; i < 100; i++ {
		p, err := env.h.Alloc(a, 0, 24)
		require.NoError(t, err)
		ps = append(ps, p)
	}
	for _, p := range ps {
		require.NoError(t, env.h.Free(b, 0, p))
		// Pending until the owner drains it.
		_, err := env.h.Size(b, 0, p)
		requireInvalid(t, err)
		requireInvalid(t, env.h.Free(b, 0, p))
	}
	st := env.h.Stats()
	require.Equal(t, uint64(100), st.RemoteFrees)
	require.Equal(t, uint64(1), st.BuffersAcquired())

	for i := 0; i < 100; i++ {
		_, err := env.h.Alloc(a, 0, 24)
		require.NoError(t, err)
	}
	st = env.h.Stats()
	require.Equal(t, uint64(100), st.Drained)
	require.Equal(t, uint64(1), st.BuffersAcquired())
	require.NoError(t, env.h.Validate(a, 0, types.Null))
}

func Test_Remote_ThreadBlockReusedAfterDrain(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b := env.tab.NewThread(), env.tab.NewThread()

	p, err := env.h.Alloc(a, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, types.KindThread, env.kindOf(t, p))

	require.NoError(t, env.h.Free(b, 0, p))
	_, err = env.h.Size(a, 0, p)
	requireInvalid(t, err)

	q, err := env.h.Alloc(a, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Equal(t, uint64(1), env.h.Stats().BuffersAcquired())
	require.NoError(t, env.h.Validate(a, 0, types.Null))
}

func Test_Remote_ForeignReallocStaysInBlock(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b := env.tab.NewThread(), env.tab.NewThread()

	p, err := env.h.Alloc(a, 0, 4000)
	require.NoError(t, err)
	data, err := env.h.Bytes(a, p)
	require.NoError(t, err)
	copy(data, "owned by a")

	q, err := env.h.Realloc(b, 0, p, 3000)
	require.NoError(t, err)
	require.Equal(t, p, q)

	r, err := env.h.Realloc(b, 0, q, 6000)
	require.NoError(t, err)
	require.NotEqual(t, q, r)
	data, err = env.h.Bytes(b, r)
	require.NoError(t, err)
	require.Equal(t, "owned by a", string(data[:10]))
	require.Equal(t, uint64(1), env.h.Stats().RemoteFrees)
}

func Test_Detach_DestroysEmptyContext(t *testing.T) {
	env := newTestHeap(t, 0)
	a := env.tab.NewThread()
	for _, size := range []uint64{16, 100, 1000} {
		p, err := env.h.Alloc(a, 0, size)
		require.NoError(t, err)
		require.NoError(t, env.h.Free(a, 0, p))
	}
	env.h.Detach(a)

	st := env.h.Stats()
	require.Equal(t, uint64(1), st.ThreadsDestroyed)
	require.Equal(t, st.ClustersCreated, st.ClustersReleased)
	require.NoError(t, env.h.Validate(a, 0, types.Null))

	// Detaching twice is harmless.
	env.h.Detach(a)
	require.Equal(t, uint64(1), env.h.Stats().ThreadsDestroyed)
}

func Test_Detach_ParksLiveContext(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b, c := env.tab.NewThread(), env.tab.NewThread(), env.tab.NewThread()

	fast, err := env.h.Alloc(a, 0, 40)
	require.NoError(t, err)
	thr, err := env.h.Alloc(a, 0, 2000)
	require.NoError(t, err)
	env.h.Detach(a)
	require.Equal(t, uint64(1), env.h.Stats().ThreadsParked)

	// Parked blocks stay valid and are freed directly under the lock.
	n, err := env.h.Size(b, 0, thr)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), n)
	require.NoError(t, env.h.Validate(b, 0, types.Null))
	require.NoError(t, env.h.Free(b, 0, fast))
	require.NoError(t, env.h.Free(b, 0, thr))
	require.Zero(t, env.h.Stats().RemoteFrees)

	// The parked context is handed to the next thread.
	_, err = env.h.Alloc(c, 0, 40)
	require.NoError(t, err)
	st := env.h.Stats()
	require.Equal(t, uint64(2), st.ThreadsAttached)
	require.NoError(t, env.h.Validate(c, 0, types.Null))
}

func Test_Buffers_DecommitAfterDwell(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b := env.tab.NewThread(), env.tab.NewThread()

	// Two live buffers at once, then both go idle.
	pa, err := env.h.Alloc(a, 0, 3000)
	require.NoError(t, err)
	pb, err := env.h.Alloc(b, 0, 3000)
	require.NoError(t, err)
	require.NoError(t, env.h.Free(a, 0, pa))
	require.NoError(t, env.h.Free(b, 0, pb))
	env.h.Detach(a)
	env.h.Detach(b)

	st := env.h.Stats()
	require.Equal(t, uint64(2), st.BuffersCreated)
	require.Zero(t, st.BuffersDecommitted)
	committed := env.h.Info(a).Committed

	env.now = env.now.Add(DefaultBufferDwell + time.Second)
	p, err := env.h.Alloc(a, 0, 20000)
	require.NoError(t, err)
	require.NoError(t, env.h.Free(a, 0, p))
	require.Equal(t, uint64(1), env.h.Stats().BuffersDecommitted)
	require.NoError(t, env.h.Validate(a, 0, types.Null))
	require.Less(t, env.h.Info(a).Committed, committed)

	// Newest idle buffer first, then the decommitted one.
	c, d := env.tab.NewThread(), env.tab.NewThread()
	_, err = env.h.Alloc(c, 0, 3000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), env.h.Stats().BuffersReused)
	q, err := env.h.Alloc(d, 0, 3000)
	require.NoError(t, err)
	st = env.h.Stats()
	require.Equal(t, uint64(1), st.BuffersRecommitted)
	require.Equal(t, uint64(2), st.BuffersCreated)

	data, err := env.h.Bytes(d, q)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0x5A
	}
	require.NoError(t, env.h.Validate(d, 0, types.Null))
}

func Test_Concurrent_MixedOwnership(t *testing.T) {
	env := newTestHeap(t, 0)
	const workers = 8
	const perWorker = 300
	sizes := []uint64{8, 24, 100, 700, 5000, 20000}

	type worker struct {
		th   *thread.Thread
		ptrs []types.Ptr
	}
	threads := make([]*worker, workers)
	for i := range threads {
		threads[i] = &worker{th: env.tab.NewThread()}
	}

	var alloc errgroup.Group
	for _, w := range threads {
		alloc.Go(func() error {
			for i := 0; i < perWorker; i++ {
				p, err := env.h.Alloc(w.th, 0, sizes[i%len(sizes)])
				if err != nil {
					return err
				}
				w.ptrs = append(w.ptrs, p)
			}
			return nil
		})
	}
	require.NoError(t, alloc.Wait())

	// Each worker frees its neighbour's blocks while churning its own.
	var churn errgroup.Group
	for i, w := range threads {
		next := threads[(i+1)%workers]
		churn.Go(func() error {
			for j, p := range next.ptrs {
				if err := env.h.Free(w.th, 0, p); err != nil {
					return fmt.Errorf("free %s: %w", p, err)
				}
				q, err := env.h.Alloc(w.th, 0, sizes[j%len(sizes)])
				if err != nil {
					return err
				}
				if err := env.h.Free(w.th, 0, q); err != nil {
					return err
				}
			}
			env.h.Detach(w.th)
			return nil
		})
	}
	require.NoError(t, churn.Wait())

	st := env.h.Stats()
	require.Equal(t, uint64(2*workers*perWorker), st.Frees)
	require.NotZero(t, st.RemoteFrees)

	check := env.tab.NewThread()
	require.NoError(t, env.h.Validate(check, 0, types.Null))
	busy := 0
	require.NoError(t, env.h.Walk(check, func(e types.WalkEntry) bool {
		if e.Busy && e.Role == "" {
			busy++
		}
		return true
	}))
	require.Zero(t, busy)
}

func Test_Concurrent_ForeignFreesDuringOwnerRealloc(t *testing.T) {
	env := newTestHeap(t, 0)
	owner, other := env.tab.NewThread(), env.tab.NewThread()
	const n = 600
	sizes := []uint64{24, 100, 600, 3000}

	var kept []types.Ptr
	handed := make(chan types.Ptr, n)
	for i := 0; i < n; i++ {
		p, err := env.h.Alloc(owner, 0, sizes[i%len(sizes)])
		require.NoError(t, err)
		if i%2 == 0 {
			kept = append(kept, p)
		} else {
			handed <- p
		}
	}
	close(handed)

	// Neighbours of the owner's blocks are freed from another thread
	// while the owner resizes them in place.
	var g errgroup.Group
	g.Go(func() error {
		for p := range handed {
			if err := env.h.Free(other, 0, p); err != nil {
				return fmt.Errorf("free %s: %w", p, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for round := 0; round < 6; round++ {
			for i, p := range kept {
				size := sizes[(i*2)%len(sizes)]
				if round%2 == 0 {
					size /= 2
				}
				q, err := env.h.Realloc(owner, 0, p, size)
				if err != nil {
					return fmt.Errorf("realloc %s: %w", p, err)
				}
				kept[i] = q
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	require.NotZero(t, env.h.Stats().RemoteFrees)
	require.NotZero(t, env.h.Stats().ReallocsInPlace)
	for _, p := range kept {
		require.NoError(t, env.h.Free(owner, 0, p))
	}
	env.h.Detach(owner)
	require.NoError(t, env.h.Validate(other, 0, types.Null))
}

func Test_Buffers_StalePointerIntoDecommittedBuffer(t *testing.T) {
	env := newTestHeap(t, 0)
	a, b := env.tab.NewThread(), env.tab.NewThread()

	var stale []types.Ptr
	for i := 0; i < 12; i++ {
		p, err := env.h.Alloc(a, 0, 1000)
		require.NoError(t, err)
		stale = append(stale, p)
	}
	for _, p := range stale {
		require.NoError(t, env.h.Free(a, 0, p))
	}
	pb, err := env.h.Alloc(b, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, env.h.Free(b, 0, pb))
	env.h.Detach(a)
	env.h.Detach(b)

	env.now = env.now.Add(DefaultBufferDwell + time.Second)
	p, err := env.h.Alloc(a, 0, 20000)
	require.NoError(t, err)
	require.NoError(t, env.h.Free(a, 0, p))
	require.Equal(t, uint64(1), env.h.Stats().BuffersDecommitted)
	require.Len(t, env.h.decommitted, 1)
	buf := env.h.decommitted[0]
	require.NotZero(t, buf.dSize)

	last := stale[len(stale)-1]
	hdr := uint64(last.Offset()) - format.HeaderSize
	require.True(t, buf.sh.inHole(hdr, hdr+format.HeaderSize))
	for _, op := range []func() error{
		func() error { _, err := env.h.Size(a, 0, last); return err },
		func() error { return env.h.Free(a, 0, last) },
		func() error { _, err := env.h.Realloc(a, 0, last, 10); return err },
	} {
		err := op()
		requireInvalid(t, err)
		require.False(t, errors.Is(err, types.ErrCorrupted), "got %v", err)
	}

	// Recommitting the buffer closes the hole.
	c, d := env.tab.NewThread(), env.tab.NewThread()
	_, err = env.h.Alloc(c, 0, 1000)
	require.NoError(t, err)
	_, err = env.h.Alloc(d, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), env.h.Stats().BuffersRecommitted)
	require.False(t, buf.sh.inHole(hdr, hdr+format.HeaderSize))
	require.NoError(t, env.h.Validate(d, 0, types.Null))
}
