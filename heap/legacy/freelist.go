package legacy

import (
	"container/heap"

	"github.com/joshuapare/heapkit/pkg/types"
)

// freeCell is a free block on a size-class heap.
type freeCell struct {
	ptr       types.Ptr // block address
	size      uint32
	heapIndex int
}

// freeCellHeap is a min-heap on block size: the top is the best fit.
type freeCellHeap []*freeCell

func (h *freeCellHeap) Len() int           { return len(*h) }
func (h *freeCellHeap) Less(i, j int) bool { return (*h)[i].size < (*h)[j].size }

func (h *freeCellHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *freeCellHeap) Push(x any) {
	c := x.(*freeCell) //nolint:errcheck // heap.Interface contract
	c.heapIndex = len(*h)
	*h = append(*h, c)
}

func (h *freeCellHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	c.heapIndex = -1
	*h = old[:n-1]
	return c
}

type freeList struct {
	heap freeCellHeap
}

// largeSpan is a free block at or above the medium limit.
type largeSpan struct {
	ptr  types.Ptr
	size uint32
	next *largeSpan
}

const (
	maxSlowPathScan = 32
	fitTolerance    = 64
)

// findFree removes and returns a free block of at least need bytes.
func (h *Heap) findFree(need uint32) (types.Ptr, uint32, bool) {
	for sc := h.sizes.classOf(need); sc < len(h.lists); sc++ {
		if c := h.allocFromSizeClass(sc, need); c != nil {
			p, size := c.ptr, c.size
			h.putCell(c)
			return p, size, true
		}
	}
	return h.allocFromLarge(need)
}

func (h *Heap) allocFromSizeClass(sc int, need uint32) *freeCell {
	list := &h.lists[sc]
	if list.heap.Len() == 0 {
		return nil
	}

	var c *freeCell
	if list.heap[0].size >= need {
		h.stats.HeapPops++
		c = heap.Pop(&list.heap).(*freeCell) //nolint:errcheck // heap holds *freeCell
	} else {
		// Bounded scan for a good-enough fit below the top.
		best := -1
		bestSize := ^uint32(0)
		for i := 1; i < min(list.heap.Len(), maxSlowPathScan); i++ {
			size := list.heap[i].size
			if size < need {
				continue
			}
			if size <= need+fitTolerance {
				best = i
				break
			}
			if size < bestSize {
				best, bestSize = i, size
			}
		}
		if best < 0 {
			return nil
		}
		h.stats.HeapRemoves++
		c = heap.Remove(&list.heap, best).(*freeCell) //nolint:errcheck // heap holds *freeCell
	}
	delete(h.byOff, c.ptr)
	delete(h.endIdx, c.ptr.Add(c.size))
	return c
}

func (h *Heap) allocFromLarge(need uint32) (types.Ptr, uint32, bool) {
	var prev *largeSpan
	for cur := h.largeFree; cur != nil; prev, cur = cur, cur.next {
		if cur.size < need {
			continue
		}
		if prev == nil {
			h.largeFree = cur.next
		} else {
			prev.next = cur.next
		}
		delete(h.endIdx, cur.ptr.Add(cur.size))
		return cur.ptr, cur.size, true
	}
	return types.Null, 0, false
}

// insertFreeCell registers a free block.
func (h *Heap) insertFreeCell(p types.Ptr, size uint32) {
	if sc := h.sizes.classOf(size); sc < len(h.lists) {
		c := h.getCell()
		c.ptr, c.size = p, size
		h.stats.HeapPushes++
		heap.Push(&h.lists[sc].heap, c)
		h.byOff[p] = c
	} else {
		h.largeFree = &largeSpan{ptr: p, size: size, next: h.largeFree}
	}
	h.endIdx[p.Add(size)] = p
}

// removeFreeCell unregisters a free block. It reports false if the block
// was not registered.
func (h *Heap) removeFreeCell(p types.Ptr, size uint32) bool {
	if sc := h.sizes.classOf(size); sc < len(h.lists) {
		c := h.byOff[p]
		if c == nil {
			return false
		}
		h.stats.HeapRemoves++
		heap.Remove(&h.lists[sc].heap, c.heapIndex)
		delete(h.byOff, p)
		delete(h.endIdx, p.Add(size))
		h.putCell(c)
		return true
	}
	var prev *largeSpan
	for cur := h.largeFree; cur != nil; prev, cur = cur, cur.next {
		if cur.ptr != p {
			continue
		}
		if prev == nil {
			h.largeFree = cur.next
		} else {
			prev.next = cur.next
		}
		delete(h.endIdx, p.Add(size))
		return true
	}
	return false
}

// registered reports whether a free block is on its list.
func (h *Heap) registered(p types.Ptr, size uint32) bool {
	if h.endIdx[p.Add(size)] != p {
		return false
	}
	if sc := h.sizes.classOf(size); sc < len(h.lists) {
		c := h.byOff[p]
		return c != nil && c.size == size
	}
	for cur := h.largeFree; cur != nil; cur = cur.next {
		if cur.ptr == p {
			return cur.size == size
		}
	}
	return false
}

// freeCount returns the number of registered free blocks.
func (h *Heap) freeCount() int {
	n := len(h.byOff)
	for cur := h.largeFree; cur != nil; cur = cur.next {
		n++
	}
	return n
}

func (h *Heap) getCell() *freeCell {
	c, ok := h.pool.Get().(*freeCell)
	if !ok {
		return &freeCell{}
	}
	return c
}

func (h *Heap) putCell(c *freeCell) {
	c.heapIndex = -1
	h.pool.Put(c)
}
