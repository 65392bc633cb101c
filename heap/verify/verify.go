// Package verify checks heap walk output for structural invariants.
// These helpers back the tests and the heapctl walk command.
package verify

import (
	"fmt"

	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/pkg/types"
)

// ValidationError describes the first walk entry that breaks an invariant.
type ValidationError struct {
	Type    string
	Message string
	Offset  int
	Details map[string]interface{}
}

func (e *ValidationError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s at offset 0x%X: %s", e.Type, e.Offset, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// WalkFunc is the shape of a heap walk: it calls fn for every entry until
// fn returns false.
type WalkFunc func(fn func(types.WalkEntry) bool) error

// Summary aggregates a walk.
type Summary struct {
	Entries    int
	Busy       int
	Free       int
	Deferred   int
	Containers int
	BusyBytes  uint64 // requested bytes of busy client blocks
	FreeBytes  uint64 // payload bytes of free blocks
	ByKind     map[types.Kind]int
}

// Collect runs walk and returns its entries in order.
func Collect(walk WalkFunc) ([]types.WalkEntry, error) {
	var out []types.WalkEntry
	err := walk(func(e types.WalkEntry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// Walk collects the entries of walk and checks them with Entries.
func Walk(walk WalkFunc) (Summary, error) {
	es, err := Collect(walk)
	if err != nil {
		return Summary{}, err
	}
	return Entries(es)
}

// BlockStart returns the address of e's header.
func BlockStart(e types.WalkEntry) types.Ptr {
	if e.Busy && e.Role != types.RoleSegment {
		return e.Ptr.Sub(format.HeaderSize)
	}
	return e.Ptr
}

func isContainer(e types.WalkEntry) bool {
	switch e.Role {
	case types.RoleBuffer, types.RoleCluster, types.RoleSegment:
		return true
	}
	return false
}

type scope struct {
	container types.Ptr
	region    uint32
}

type cursor struct {
	end      uint64
	lastFree bool // previous entry was free, coalescable and ended at end
}

type span struct {
	entry      types.WalkEntry
	start, end uint64
}

// Entries checks a walk in emission order:
//   - every block is 16-byte aligned and at least MinBlockSize bytes
//   - busy blocks hold their requested size, free blocks report their payload
//   - containers are busy and reported before their children
//   - children lie inside their container's payload
//   - siblings come in address order without overlap
//   - no two adjacent siblings are both free and coalescable, except
//     fast slots inside a cluster
func Entries(es []types.WalkEntry) (Summary, error) {
	sum := Summary{ByKind: make(map[types.Kind]int)}
	containers := make(map[types.Ptr]span)
	cursors := make(map[scope]*cursor)

	for i, e := range es {
		start := BlockStart(e)
		off := int(start.Offset())
		fail := func(typ, msg string, args ...any) error {
			return &ValidationError{
				Type:    typ,
				Message: fmt.Sprintf(msg, args...),
				Offset:  off,
				Details: map[string]interface{}{
					"index":     i,
					"ptr":       e.Ptr.String(),
					"container": e.Container.String(),
					"kind":      e.Kind.String(),
				},
			}
		}

		if e.Ptr.IsNull() {
			return sum, fail("Entry", "null address")
		}
		if !format.IsAligned(uint64(start.Offset())) || !format.IsAligned(e.BlockSize) {
			return sum, fail("Alignment", "block %s of %d bytes is misaligned", start, e.BlockSize)
		}
		if e.Role != types.RoleSegment && e.BlockSize < format.MinBlockSize {
			return sum, fail("Size", "block of %d bytes is below the minimum %d", e.BlockSize, format.MinBlockSize)
		}
		if e.Busy && e.Role != types.RoleSegment && e.Size+format.HeaderSize > e.BlockSize {
			return sum, fail("Size", "request of %d bytes exceeds block of %d", e.Size, e.BlockSize)
		}
		if !e.Busy && e.Size != e.BlockSize-format.HeaderSize {
			return sum, fail("Size", "free payload %d does not match block of %d", e.Size, e.BlockSize)
		}
		if e.Deferred && e.Busy {
			return sum, fail("State", "busy block marked deferred")
		}
		if isContainer(e) && !e.Busy {
			return sum, fail("Container", "%s block is free", e.Role)
		}

		lo, hi := uint64(start.Offset()), uint64(start.Offset())+e.BlockSize
		inCluster := false
		if !e.Container.IsNull() {
			c, ok := containers[e.Container]
			if !ok {
				return sum, fail("Container", "container %s not reported before its blocks", e.Container)
			}
			if start.Region() != e.Container.Region() || lo < c.start+format.HeaderSize || hi > c.end {
				return sum, fail("Bounds", "block [0x%X, 0x%X) outside container [0x%X, 0x%X)", lo, hi, c.start, c.end)
			}
			inCluster = c.entry.Role == types.RoleCluster
		}

		key := scope{container: e.Container, region: start.Region()}
		cur := cursors[key]
		if cur == nil {
			cur = &cursor{}
			cursors[key] = cur
		}
		if lo < cur.end {
			return sum, fail("Order", "block at 0x%X overlaps or precedes previous end 0x%X", lo, cur.end)
		}
		coalescable := !e.Busy && !e.Deferred && !inCluster
		if coalescable && cur.lastFree && lo == cur.end {
			return sum, fail("Coalescing", "adjacent free blocks")
		}
		cur.end, cur.lastFree = hi, coalescable

		if isContainer(e) {
			containers[start] = span{entry: e, start: lo, end: hi}
			sum.Containers++
		}
		sum.Entries++
		sum.ByKind[e.Kind]++
		switch {
		case e.Busy:
			sum.Busy++
			if e.Role == "" {
				sum.BusyBytes += e.Size
			}
		case e.Deferred:
			sum.Deferred++
			sum.FreeBytes += e.Size
		default:
			sum.Free++
			sum.FreeBytes += e.Size
		}
	}
	return sum, nil
}
