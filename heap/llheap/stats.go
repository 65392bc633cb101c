package llheap

import "sync/atomic"

type counter int

const (
	cFastAllocs counter = iota
	cThreadAllocs
	cNormalAllocs
	cLargeAllocs
	cFrees
	cRemoteFrees
	cDrained
	cReallocsInPlace
	cReallocsMoved
	cClustersCreated
	cClustersReleased
	cBuffersCreated
	cBuffersReused
	cBuffersRecommitted
	cBuffersDecommitted
	cBuffersReleased
	cSubheapsReserved
	cSubheapGrowths
	cSubheapsReleased
	cLargeMappings
	cLargeReleases
	cThreadsAttached
	cThreadsParked
	cThreadsDestroyed
	numCounters
)

type counters [numCounters]atomic.Uint64

func (c *counters) inc(k counter)           { c[k].Add(1) }
func (c *counters) add(k counter, n uint64) { c[k].Add(n) }

// Stats is a snapshot of a heap's activity counters.
type Stats struct {
	FastAllocs   uint64
	ThreadAllocs uint64
	NormalAllocs uint64
	LargeAllocs  uint64

	Frees       uint64
	RemoteFrees uint64 // frees handed to another thread's inbox
	Drained     uint64 // inbox entries processed by owners

	ReallocsInPlace uint64
	ReallocsMoved   uint64

	ClustersCreated  uint64
	ClustersReleased uint64

	BuffersCreated     uint64
	BuffersReused      uint64 // taken from the idle list
	BuffersRecommitted uint64 // taken from the decommitted list
	BuffersDecommitted uint64
	BuffersReleased    uint64 // surplus decommitted buffers freed to their subheap
	SubheapsReserved   uint64
	SubheapGrowths     uint64
	SubheapsReleased   uint64
	LargeMappings      uint64
	LargeReleases      uint64
	ThreadsAttached    uint64
	ThreadsParked      uint64
	ThreadsDestroyed   uint64
}

// BuffersAcquired is the number of buffers handed to threads from any source.
func (s Stats) BuffersAcquired() uint64 {
	return s.BuffersCreated + s.BuffersReused + s.BuffersRecommitted
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	c := &h.stats
	return Stats{
		FastAllocs:         c[cFastAllocs].Load(),
		ThreadAllocs:       c[cThreadAllocs].Load(),
		NormalAllocs:       c[cNormalAllocs].Load(),
		LargeAllocs:        c[cLargeAllocs].Load(),
		Frees:              c[cFrees].Load(),
		RemoteFrees:        c[cRemoteFrees].Load(),
		Drained:            c[cDrained].Load(),
		ReallocsInPlace:    c[cReallocsInPlace].Load(),
		ReallocsMoved:      c[cReallocsMoved].Load(),
		ClustersCreated:    c[cClustersCreated].Load(),
		ClustersReleased:   c[cClustersReleased].Load(),
		BuffersCreated:     c[cBuffersCreated].Load(),
		BuffersReused:      c[cBuffersReused].Load(),
		BuffersRecommitted: c[cBuffersRecommitted].Load(),
		BuffersDecommitted: c[cBuffersDecommitted].Load(),
		BuffersReleased:    c[cBuffersReleased].Load(),
		SubheapsReserved:   c[cSubheapsReserved].Load(),
		SubheapGrowths:     c[cSubheapGrowths].Load(),
		SubheapsReleased:   c[cSubheapsReleased].Load(),
		LargeMappings:      c[cLargeMappings].Load(),
		LargeReleases:      c[cLargeReleases].Load(),
		ThreadsAttached:    c[cThreadsAttached].Load(),
		ThreadsParked:      c[cThreadsParked].Load(),
		ThreadsDestroyed:   c[cThreadsDestroyed].Load(),
	}
}
