package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/vm"
	"github.com/joshuapare/heapkit/pkg/types"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	logLevel string
	vmKind   string
	slots    int

	// Heap flags shared by commands that create a heap
	heapReserve  uint64
	heapCommit   uint64
	heapFixed    uint64
	noGrow       bool
	tailChecking bool
	validateAll  bool
)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Exercise and inspect heapkit heaps",
	Long: `heapctl drives heapkit's low-lock and legacy heaps. It runs the
reference allocation scenarios, stress-tests concurrent allocation across
threads and reports heap layout and counters.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		lvl, err := zapcore.ParseLevel(logLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", logLevel)
		}
		return logger.Init(logger.Options{Enabled: true, Level: lvl, Development: true})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	pf.BoolVar(&jsonOut, "json", false, "Output in JSON format")
	pf.StringVar(&logLevel, "log-level", "", "Enable heap logging at this level (debug, info, warn)")
	pf.StringVar(&vmKind, "vm", "os", "Memory provider: os (mmap/VirtualAlloc) or go (Go slices)")
	pf.IntVar(&slots, "slots", 0, "Thread-local slots per registry (0 = default)")
}

// addHeapFlags registers the heap creation flags on cmd.
func addHeapFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64Var(&heapReserve, "reserve", 0, "Initial reservation in bytes (0 = backend default)")
	f.Uint64Var(&heapCommit, "commit", 0, "Bytes committed up front")
	f.Uint64Var(&heapFixed, "fixed", 0, "Back the heap with this many bytes of caller memory")
	f.BoolVar(&noGrow, "no-grow", false, "Create a non-growable heap")
	f.BoolVar(&tailChecking, "tail-check", false, "Pad blocks with a checked tail pattern")
	f.BoolVar(&validateAll, "validate", false, "Validate heap structure before every mutation")
}

func heapFlags() types.Flags {
	var f types.Flags
	if !noGrow {
		f |= types.FlagGrowable
	}
	if tailChecking {
		f |= types.FlagTailChecking
	}
	if validateAll {
		f |= types.FlagValidate
	}
	return f
}

func createOptions() []heap.CreateOption {
	if heapFixed == 0 {
		return nil
	}
	return []heap.CreateOption{heap.WithMemory(make([]byte, heapFixed))}
}

// newRegistry builds a registry over a counting provider so commands can
// report mapping activity.
func newRegistry() (*heap.Registry, *vm.Counting, error) {
	var inner vm.Provider
	switch vmKind {
	case "os":
		inner = vm.NewOS()
	case "go":
		inner = vm.NewGoMemory(0)
	default:
		return nil, nil, errors.Newf("unknown --vm %q (want os or go)", vmKind)
	}
	cv := vm.NewCounting(inner)
	return heap.NewRegistry(heap.WithVM(cv), heap.WithSlots(slots)), cv, nil
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Helper functions for output

var stdout io.Writer = os.Stdout

// numbers formats counters with digit grouping.
var numbers = message.NewPrinter(language.English)

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		numbers.Fprintf(stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		numbers.Fprintf(stdout, format, args...)
	}
}
