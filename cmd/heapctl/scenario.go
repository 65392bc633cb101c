package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newScenarioCmd())
}

func newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario [name...]",
		Short: "Run the reference allocation scenarios",
		Long: `The scenario command runs the reference scenarios against a fresh
registry and reports PASS or FAIL for each:

  fast-reuse    8-byte blocks freed on one thread are reused before new storage
  cross-thread  a thread-tier block freed by another thread returns to its owner
  large         a 1 MiB block maps and unmaps exactly one region
  fixed         a fixed 64 KiB heap runs out instead of growing

Example:
  heapctl scenario
  heapctl scenario large fixed --vm go`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(args)
		},
	}
	return cmd
}

type scenario struct {
	name string
	run  func(reg *heap.Registry, cv *vm.Counting) error
}

var scenarios = []scenario{
	{"fast-reuse", scenarioFastReuse},
	{"cross-thread", scenarioCrossThread},
	{"large", scenarioLarge},
	{"fixed", scenarioFixed},
}

func runScenarios(names []string) error {
	selected := scenarios
	if len(names) > 0 {
		selected = nil
		for _, n := range names {
			i := -1
			for j, s := range scenarios {
				if s.name == n {
					i = j
				}
			}
			if i < 0 {
				return errors.Newf("unknown scenario %q", n)
			}
			selected = append(selected, scenarios[i])
		}
	}

	failed := 0
	for _, s := range selected {
		reg, cv, err := newRegistry()
		if err != nil {
			return err
		}
		err = s.run(reg, cv)
		if cerr := reg.Close(reg.AttachThread()); err == nil {
			err = cerr
		}
		if err != nil {
			failed++
			printInfo("FAIL  %s: %v\n", s.name, err)
			continue
		}
		printInfo("PASS  %s\n", s.name)
	}
	if failed > 0 {
		return errors.Newf("%d of %d scenarios failed", failed, len(selected))
	}
	return nil
}

func lowLockStats(reg *heap.Registry, h types.Handle) (heap.Stats, error) {
	st, err := reg.Stats(nil, h)
	if err != nil {
		return st, err
	}
	if st.Backend != types.BackendLowLock {
		return st, errors.Newf("heap %d served by %s backend", h, st.Backend)
	}
	return st, nil
}

func scenarioFastReuse(reg *heap.Registry, _ *vm.Counting) error {
	t := reg.AttachThread()
	defer reg.DetachThread(t)
	h, err := reg.Create(types.FlagGrowable, 0, 0)
	if err != nil {
		return err
	}

	seen := make(map[types.Ptr]bool, 1000)
	ps := make([]types.Ptr, 0, 1000)
	for i := 0; i < 1000; i++ {
		p, err := reg.Alloc(t, h, 0, 8)
		if err != nil {
			return errors.Wrapf(err, "allocation %d", i)
		}
		if seen[p] {
			return errors.Newf("address %s handed out twice", p)
		}
		seen[p] = true
		ps = append(ps, p)
	}
	for _, p := range ps {
		if err := reg.Free(t, h, 0, p); err != nil {
			return err
		}
	}
	before, err := lowLockStats(reg, h)
	if err != nil {
		return err
	}
	p, err := reg.Alloc(t, h, 0, 8)
	if err != nil {
		return err
	}
	if !seen[p] {
		return errors.Newf("reallocation returned fresh address %s", p)
	}
	after, _ := lowLockStats(reg, h)
	if after.LowLock.BuffersAcquired() != before.LowLock.BuffersAcquired() ||
		after.LowLock.SubheapGrowths != before.LowLock.SubheapGrowths {
		return errors.New("reallocation acquired new storage")
	}
	printVerbose("  %d fast allocations, %d clusters created\n", after.LowLock.FastAllocs, after.LowLock.ClustersCreated)
	return nil
}

func scenarioCrossThread(reg *heap.Registry, _ *vm.Counting) error {
	a, b := reg.AttachThread(), reg.AttachThread()
	defer reg.DetachThread(b)
	defer reg.DetachThread(a)
	h, err := reg.Create(types.FlagGrowable, 0, 0)
	if err != nil {
		return err
	}

	p, err := reg.Alloc(a, h, 0, 2048)
	if err != nil {
		return err
	}
	if err := reg.Free(b, h, 0, p); err != nil {
		return errors.Wrap(err, "foreign free")
	}
	if _, err := reg.Size(a, h, 0, p); !errors.Is(err, types.ErrInvalidParameter) {
		return errors.Newf("size of a freed block: got %v, want invalid parameter", err)
	}
	before, err := lowLockStats(reg, h)
	if err != nil {
		return err
	}
	if _, err := reg.Alloc(a, h, 0, 2048); err != nil {
		return err
	}
	after, _ := lowLockStats(reg, h)
	if after.LowLock.BuffersAcquired() != before.LowLock.BuffersAcquired() {
		return errors.New("owner acquired a new buffer")
	}
	printVerbose("  remote frees %d, drained %d\n", after.LowLock.RemoteFrees, after.LowLock.Drained)
	return nil
}

func scenarioLarge(reg *heap.Registry, cv *vm.Counting) error {
	t := reg.AttachThread()
	defer reg.DetachThread(t)
	h, err := reg.Create(types.FlagGrowable, 0, 0)
	if err != nil {
		return err
	}
	before := cv.Stats()
	p, err := reg.Alloc(t, h, 0, 1<<20)
	if err != nil {
		return err
	}
	mid := cv.Stats()
	if mid.Reserves != before.Reserves+1 {
		return errors.Newf("%d mappings created, want 1", mid.Reserves-before.Reserves)
	}
	sizes := cv.ReservedSizes()
	printVerbose("  mapping of %d bytes\n", sizes[len(sizes)-1])
	if err := reg.Free(t, h, 0, p); err != nil {
		return err
	}
	after := cv.Stats()
	if after.Releases != mid.Releases+1 || after.LiveBytes != before.LiveBytes {
		return errors.New("free did not release the mapping")
	}
	return nil
}

func scenarioFixed(reg *heap.Registry, cv *vm.Counting) error {
	t := reg.AttachThread()
	defer reg.DetachThread(t)
	h, err := reg.Create(0, 0, 0, heap.WithMemory(make([]byte, 64<<10)))
	if err != nil {
		return err
	}
	reserves := cv.Stats().Reserves
	n := 0
	for {
		if _, err = reg.Alloc(t, h, 0, 512); err != nil {
			break
		}
		n++
	}
	if !errors.Is(err, types.ErrOutOfMemory) {
		return errors.Wrap(err, "exhaustion did not report out of memory")
	}
	if cv.Stats().Reserves != reserves {
		return errors.New("fixed heap mapped memory")
	}
	printVerbose("  %d allocations of 512 bytes before exhaustion\n", n)
	return reg.Validate(t, h, 0, types.Null)
}
