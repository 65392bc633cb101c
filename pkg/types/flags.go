package types

import "strings"

// Flags are heap creation flags and per-call flags. Creation flags are sticky:
// every call on a heap is served with the union of the heap's flags and the
// call's flags (restricted to CallFlags).
type Flags uint32

const (
	// FlagNoSerialize opts the heap out of its lock. Only safe when a single
	// thread uses the heap.
	FlagNoSerialize Flags = 1 << iota
	// FlagGrowable lets the heap reserve more address space when exhausted.
	FlagGrowable
	// FlagGenerateExceptions raises a *Fault panic in addition to returning
	// the error.
	FlagGenerateExceptions
	// FlagZeroMemory zeroes new payload bytes.
	FlagZeroMemory
	// FlagReallocInPlaceOnly makes Realloc fail instead of moving a block.
	FlagReallocInPlaceOnly
	// FlagTailChecking pads blocks with a fill pattern checked on free and
	// validate.
	FlagTailChecking
	// FlagValidate validates block and container structure before every
	// mutation.
	FlagValidate
)

// CallFlags are the flags a single call may add on top of the heap flags.
const CallFlags = FlagNoSerialize | FlagGenerateExceptions | FlagZeroMemory | FlagReallocInPlaceOnly

// Has reports whether all bits of o are set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Merge returns the effective flags for a call made with call on a heap
// created with f.
func (f Flags) Merge(call Flags) Flags { return f | call&CallFlags }

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagNoSerialize, "no-serialize"},
	{FlagGrowable, "growable"},
	{FlagGenerateExceptions, "generate-exceptions"},
	{FlagZeroMemory, "zero-memory"},
	{FlagReallocInPlaceOnly, "realloc-in-place-only"},
	{FlagTailChecking, "tail-checking"},
	{FlagValidate, "validate"},
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.f) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
