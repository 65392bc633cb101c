package types

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// -----------------------------------------------------------------------------
// Error categories
// -----------------------------------------------------------------------------

// Sentinels returned (wrapped) by every backend. Test with errors.Is.
var (
	// ErrOutOfMemory: a tier exhausted its growth options or an OS
	// reserve/commit failed.
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrInvalidParameter: bad handle, unrecognised pointer, or corruption.
	ErrInvalidParameter = errors.New("heap: invalid parameter")
	// ErrOverflow: size, header or padding arithmetic wrapped. Marked as
	// ErrOutOfMemory so callers checking for a failed allocation see it.
	ErrOverflow = errors.Mark(errors.New("heap: size overflow"), ErrOutOfMemory)
	// ErrUnsupported: a stubbed feature such as compaction.
	ErrUnsupported = errors.New("heap: unsupported operation")
	// ErrCorrupted: a header failed its checksum or structural checks.
	// Marked as ErrInvalidParameter.
	ErrCorrupted = errors.Mark(errors.New("heap: corrupted block"), ErrInvalidParameter)
)

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	ErrKindNone ErrKind = iota
	ErrKindOutOfMemory
	ErrKindInvalidParameter
	ErrKindOverflow
	ErrKindUnsupported
	ErrKindOther
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindOutOfMemory:
		return "out-of-memory"
	case ErrKindInvalidParameter:
		return "invalid-parameter"
	case ErrKindOverflow:
		return "overflow"
	case ErrKindUnsupported:
		return "unsupported"
	default:
		return "other"
	}
}

// KindOf reports the category of err. Overflow is checked before
// out-of-memory because overflow errors carry both marks.
func KindOf(err error) ErrKind {
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, ErrOverflow):
		return ErrKindOverflow
	case errors.Is(err, ErrOutOfMemory):
		return ErrKindOutOfMemory
	case errors.Is(err, ErrInvalidParameter):
		return ErrKindInvalidParameter
	case errors.Is(err, ErrUnsupported):
		return ErrKindUnsupported
	default:
		return ErrKindOther
	}
}

// Fault is the structured fault raised (via panic) when a call carries
// FlagGenerateExceptions and fails.
type Fault struct {
	Op   string
	Ptr  Ptr
	Kind ErrKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("heap fault in %s(%s): %s: %v", f.Op, f.Ptr, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Raise returns err unchanged, or panics with a *Fault when flags request
// exceptions and err is an out-of-memory or invalid-parameter failure.
func Raise(flags Flags, op string, p Ptr, err error) error {
	if err == nil || !flags.Has(FlagGenerateExceptions) {
		return err
	}
	kind := KindOf(err)
	switch kind {
	case ErrKindOutOfMemory, ErrKindOverflow, ErrKindInvalidParameter:
		panic(&Fault{Op: op, Ptr: p, Kind: kind, Err: err})
	}
	return err
}
