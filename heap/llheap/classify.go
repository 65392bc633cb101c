package llheap

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/pkg/types"
)

// Fast size classes are the block sizes 32, 48, ... 128.
const (
	fastClasses  = (format.FastLimit+format.HeaderSize)/format.Alignment - 1
	clusterSlots = 64
)

// MaxRequest is the largest request any tier accepts. Region offsets and
// header sizes are 32 bits wide.
const MaxRequest = 1<<32 - 1<<20

// Class is the result of classifying a request.
type Class struct {
	Kind types.Kind
	// Request is the effective request: the caller's size plus tail
	// padding when tail checking is on.
	Request uint64
	// BlockSize is the header plus Request, aligned, at least MinBlockSize.
	// For Large blocks it excludes the mapping prefix and page rounding.
	BlockSize uint64
	// Fast is the fast size-class index for KindFast.
	Fast int
}

// Classify maps a request to its tier. It is pure and lock-free.
func Classify(size uint64, flags types.Flags) (Class, error) {
	req := size
	if flags.Has(types.FlagTailChecking) {
		req += format.TailPadding
		if req < size {
			return Class{}, errors.Wrapf(types.ErrOverflow, "request of %d bytes plus tail padding", size)
		}
	}
	total := req + format.HeaderSize
	if total < req {
		return Class{}, errors.Wrapf(types.ErrOverflow, "request of %d bytes plus header", size)
	}
	bsize, ok := format.Align16(total)
	if !ok {
		return Class{}, errors.Wrapf(types.ErrOverflow, "request of %d bytes rounds past the address space", size)
	}
	if req > MaxRequest {
		return Class{}, errors.Wrapf(types.ErrOutOfMemory, "request of %d bytes exceeds %d", size, uint64(MaxRequest))
	}
	bsize = max(bsize, format.MinBlockSize)

	c := Class{Request: req, BlockSize: bsize}
	switch {
	case req <= format.FastLimit:
		c.Kind = types.KindFast
		c.Fast = fastClass(bsize)
	case req < format.ThreadThreshold:
		c.Kind = types.KindThread
	case req < format.LargeThreshold:
		c.Kind = types.KindNormal
	default:
		c.Kind = types.KindLarge
	}
	return c, nil
}

func fastClass(bsize uint64) int { return int(bsize/format.Alignment) - 2 }

// fastSlotSize is the block size of fast class i.
func fastSlotSize(i int) uint32 { return uint32(i+2) * format.Alignment }
