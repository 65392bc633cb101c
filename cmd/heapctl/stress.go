package main

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/heap/verify"
	"github.com/joshuapare/heapkit/pkg/types"
)

var (
	stressWorkers int
	stressOps     int
	stressSlots   int
	stressMaxSize uint64
	stressSeed    uint64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", 8, "Concurrent threads")
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 20000, "Operations per thread")
	cmd.Flags().IntVar(&stressSlots, "live", 4096, "Shared live-block table size")
	cmd.Flags().Uint64Var(&stressMaxSize, "max-size", 64<<10, "Largest request in bytes")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Random seed")
	addHeapFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Allocate and free concurrently from many threads",
		Long: `The stress command runs worker threads against one heap. Every worker
swaps blocks into a shared table of live blocks and frees whatever it
displaces, so most frees happen on a thread other than the allocating one.
The heap is validated and walked afterwards.

Example:
  heapctl stress --workers 16 --ops 100000
  heapctl stress --tail-check --validate --vm go`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runStress()
			return err
		},
	}
	return cmd
}

type stressResult struct {
	Ops     int
	Elapsed time.Duration
	Stats   heap.Stats
	Walk    verify.Summary
}

// pickSize favours small requests: half fast-tier, most of the rest under
// the thread threshold.
func pickSize(r *rand.Rand, maxSize uint64) uint64 {
	var n uint64
	switch x := r.IntN(100); {
	case x < 50:
		n = r.Uint64N(113)
	case x < 90:
		n = 113 + r.Uint64N(16<<10)
	default:
		n = r.Uint64N(maxSize + 1)
	}
	return min(n, maxSize)
}

func runStress() (stressResult, error) {
	if stressWorkers <= 0 || stressOps < 0 || stressSlots <= 0 {
		return stressResult{}, errors.New("workers and live table size must be positive")
	}
	reg, _, err := newRegistry()
	if err != nil {
		return stressResult{}, err
	}
	owner := reg.AttachThread()
	defer func() { _ = reg.Close(owner) }()

	h, err := reg.Create(heapFlags(), heapReserve, heapCommit, createOptions()...)
	if err != nil {
		return stressResult{}, err
	}
	info, _ := reg.Info(owner, h)
	printVerbose("heap %d: %s backend %s\n", h, info.Backend, info.Reason)

	live := make([]atomic.Uint64, stressSlots)
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < stressWorkers; w++ {
		g.Go(func() error {
			t := reg.AttachThread()
			defer reg.DetachThread(t)
			r := rand.New(rand.NewPCG(stressSeed, uint64(w)))
			for i := 0; i < stressOps; i++ {
				slot := &live[r.IntN(len(live))]
				size := pickSize(r, stressMaxSize)
				p, err := reg.Alloc(t, h, 0, size)
				if errors.Is(err, types.ErrOutOfMemory) {
					p = types.Null
				} else if err != nil {
					return errors.Wrapf(err, "worker %d: alloc %d bytes", w, size)
				}
				if !p.IsNull() {
					if b, err := reg.Bytes(t, h, p); err == nil && len(b) > 0 {
						b[0], b[len(b)-1] = byte(w), byte(w)
					}
				}
				if old := types.Ptr(slot.Swap(uint64(p))); !old.IsNull() {
					if err := reg.Free(t, h, 0, old); err != nil {
						return errors.Wrapf(err, "worker %d: free %s", w, old)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stressResult{}, err
	}
	elapsed := time.Since(start)

	if err := reg.Validate(owner, h, 0, types.Null); err != nil {
		return stressResult{}, errors.Wrap(err, "validate after stress")
	}
	sum, err := verify.Walk(func(fn func(types.WalkEntry) bool) error { return reg.Walk(owner, h, fn) })
	if err != nil {
		return stressResult{}, errors.Wrap(err, "walk after stress")
	}
	for i := range live {
		if p := types.Ptr(live[i].Swap(0)); !p.IsNull() {
			if err := reg.Free(owner, h, 0, p); err != nil {
				return stressResult{}, errors.Wrapf(err, "final free %s", p)
			}
		}
	}
	st, err := reg.Stats(owner, h)
	if err != nil {
		return stressResult{}, err
	}

	res := stressResult{Ops: stressWorkers * stressOps, Elapsed: elapsed, Stats: st, Walk: sum}
	printInfo("%d operations on %d threads in %v (%.0f ops/s)\n",
		res.Ops, stressWorkers, elapsed.Round(time.Millisecond), float64(res.Ops)/max(elapsed.Seconds(), 1e-9))
	printInfo("walk: %d blocks, %d busy, %d free, %d deferred\n", sum.Entries, sum.Busy, sum.Free, sum.Deferred)
	printStats(st)
	return res, nil
}
