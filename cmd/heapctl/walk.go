package main

import (
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap/verify"
	"github.com/joshuapare/heapkit/pkg/types"
)

var (
	walkCount     int
	walkFreeEvery int
	walkSeed      uint64
	walkMaxSize   uint64
)

func init() {
	cmd := newWalkCmd()
	cmd.Flags().IntVarP(&walkCount, "count", "n", 200, "Blocks to allocate before walking")
	cmd.Flags().IntVar(&walkFreeEvery, "free-every", 3, "Free every Nth block (0 = none)")
	cmd.Flags().Uint64Var(&walkSeed, "seed", 1, "Random seed for request sizes")
	cmd.Flags().Uint64Var(&walkMaxSize, "max-size", 32<<10, "Largest request in bytes")
	addHeapFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func newWalkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Populate a heap, then list and verify its blocks",
		Long: `The walk command allocates a pseudo-random set of blocks, frees some of
them and walks the heap. Every entry is checked for alignment, bounds,
ordering and coalescing before it is printed.

Example:
  heapctl walk --count 50
  heapctl walk --no-grow --reserve 262144 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWalk()
		},
	}
	return cmd
}

func runWalk() error {
	reg, _, err := newRegistry()
	if err != nil {
		return err
	}
	t := reg.AttachThread()
	defer func() { _ = reg.Close(t) }()

	h, err := reg.Create(heapFlags(), heapReserve, heapCommit, createOptions()...)
	if err != nil {
		return err
	}
	r := rand.New(rand.NewPCG(walkSeed, walkSeed))
	for i := 0; i < walkCount; i++ {
		p, err := reg.Alloc(t, h, 0, r.Uint64N(walkMaxSize+1))
		if err != nil {
			return errors.Wrapf(err, "allocation %d", i)
		}
		if walkFreeEvery > 0 && i%walkFreeEvery == 0 {
			if err := reg.Free(t, h, 0, p); err != nil {
				return err
			}
		}
	}

	entries, err := verify.Collect(func(fn func(types.WalkEntry) bool) error { return reg.Walk(t, h, fn) })
	if err != nil {
		return errors.Wrap(err, "walk")
	}
	sum, verr := verify.Entries(entries)
	info, err := reg.Info(t, h)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := writeWalkJSON(info, entries, sum, verr); err != nil {
			return err
		}
		return verr
	}

	printInfo("heap %d (%s backend)\n", info.Handle, info.Backend)
	for _, e := range entries {
		state := "free"
		switch {
		case e.Busy:
			state = "busy"
		case e.Deferred:
			state = "deferred"
		}
		indent := ""
		if !e.Container.IsNull() {
			indent = "  "
		}
		printInfo("%s%-22s %-6s %-8s %8d %8d %s\n", indent, e.Ptr, e.Kind, state, e.BlockSize, e.Size, e.Role)
	}
	printInfo("\n%d entries: %d busy (%d bytes requested), %d free, %d deferred, %d containers\n",
		sum.Entries, sum.Busy, sum.BusyBytes, sum.Free, sum.Deferred, sum.Containers)
	if verr != nil {
		return errors.Wrap(verr, "walk verification failed")
	}
	printInfo("verification passed\n")
	return nil
}

func writeWalkJSON(info types.HeapInfo, entries []types.WalkEntry, sum verify.Summary, verr error) error {
	w := jwriter.NewStreamingWriter(stdout, 4096)
	obj := w.Object()
	obj.Name("heap").Int(int(info.Handle))
	obj.Name("backend").String(info.Backend.String())
	obj.Maybe("reason", info.Reason != "").String(info.Reason)

	s := obj.Name("summary").Object()
	s.Name("entries").Int(sum.Entries)
	s.Name("busy").Int(sum.Busy)
	s.Name("free").Int(sum.Free)
	s.Name("deferred").Int(sum.Deferred)
	s.Name("containers").Int(sum.Containers)
	s.Name("busyBytes").Float64(float64(sum.BusyBytes))
	s.Name("freeBytes").Float64(float64(sum.FreeBytes))
	s.End()

	arr := obj.Name("entries").Array()
	for _, e := range entries {
		eo := arr.Object()
		eo.Name("ptr").String(e.Ptr.String())
		eo.Maybe("container", !e.Container.IsNull()).String(e.Container.String())
		eo.Name("kind").String(e.Kind.String())
		eo.Name("blockSize").Float64(float64(e.BlockSize))
		eo.Name("size").Float64(float64(e.Size))
		eo.Name("busy").Bool(e.Busy)
		eo.Maybe("deferred", e.Deferred).Bool(true)
		eo.Maybe("role", e.Role != "").String(e.Role)
		eo.End()
	}
	arr.End()

	obj.Maybe("error", verr != nil).String(errorString(verr))
	obj.End()
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := stdout.Write([]byte("\n"))
	return err
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
