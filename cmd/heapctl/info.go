package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/pkg/types"
)

var infoSample int

func init() {
	cmd := newInfoCmd()
	cmd.Flags().IntVar(&infoSample, "sample", 0, "Allocate this many blocks of each tier before reporting")
	addHeapFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Create a heap and report its backend and footprint",
		Long: `The info command creates a heap with the given flags and reports which
backend serves it, why, and how much memory it reserves and commits.

Example:
  heapctl info
  heapctl info --no-grow --reserve 65536
  heapctl info --fixed 65536 --sample 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runInfo()
			return err
		},
	}
	return cmd
}

var sampleSizes = []uint64{24, 1000, 20000, 600 << 10}

func runInfo() (types.HeapInfo, error) {
	reg, cv, err := newRegistry()
	if err != nil {
		return types.HeapInfo{}, err
	}
	t := reg.AttachThread()
	defer func() { _ = reg.Close(t) }()

	h, err := reg.Create(heapFlags(), heapReserve, heapCommit, createOptions()...)
	if err != nil {
		return types.HeapInfo{}, err
	}
	for i := 0; i < infoSample; i++ {
		for _, n := range sampleSizes {
			if _, err := reg.Alloc(t, h, 0, n); err != nil {
				printVerbose("sample allocation of %d bytes: %v\n", n, err)
			}
		}
	}
	info, err := reg.Info(t, h)
	if err != nil {
		return info, err
	}
	st, err := reg.Stats(t, h)
	if err != nil {
		return info, err
	}

	printInfo("\nHeap Information:\n")
	printInfo("  Handle: %d\n", info.Handle)
	printInfo("  Backend: %s\n", info.Backend)
	if info.Reason != "" {
		printInfo("  Reason: %s\n", info.Reason)
	}
	printInfo("  Flags: %s\n", info.Flags)
	printInfo("  Reserved: %d bytes\n", info.Reserved)
	printInfo("  Committed: %d bytes\n", info.Committed)
	vs := cv.Stats()
	printInfo("  Mappings: %d live, %d bytes peak\n", vs.LiveMappings, vs.PeakLiveBytes)
	printStats(st)
	return info, nil
}

// printStats prints the counters of whichever backend produced st.
func printStats(st heap.Stats) {
	printInfo("\nCounters:\n")
	if st.Backend == types.BackendLegacy {
		l := st.Legacy
		printInfo("  allocs %d, frees %d\n", l.Allocs, l.Frees)
		printInfo("  reallocs %d in place, %d moved\n", l.ReallocsInPlace, l.ReallocsMoved)
		printInfo("  splits %d, coalesced %d forward, %d backward\n", l.Splits, l.CoalesceForward, l.CoalesceBackward)
		printInfo("  segments %d, released %d, grown by %d bytes\n", l.Segments, l.SegmentsReleased, l.GrowBytes)
		return
	}
	s := st.LowLock
	printInfo("  allocs fast %d, thread %d, normal %d, large %d\n", s.FastAllocs, s.ThreadAllocs, s.NormalAllocs, s.LargeAllocs)
	printInfo("  frees %d (%d remote, %d drained)\n", s.Frees, s.RemoteFrees, s.Drained)
	printInfo("  reallocs %d in place, %d moved\n", s.ReallocsInPlace, s.ReallocsMoved)
	printInfo("  clusters %d created, %d released\n", s.ClustersCreated, s.ClustersReleased)
	printInfo("  buffers %d created, %d reused, %d recommitted, %d decommitted, %d released\n",
		s.BuffersCreated, s.BuffersReused, s.BuffersRecommitted, s.BuffersDecommitted, s.BuffersReleased)
	printInfo("  subheaps %d reserved, %d growths, %d released\n", s.SubheapsReserved, s.SubheapGrowths, s.SubheapsReleased)
	printInfo("  large mappings %d, released %d\n", s.LargeMappings, s.LargeReleases)
	printInfo("  threads %d attached, %d parked, %d destroyed\n", s.ThreadsAttached, s.ThreadsParked, s.ThreadsDestroyed)
}
