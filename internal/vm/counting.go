package vm

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// CountingStats is a snapshot of a Counting provider.
type CountingStats struct {
	Reserves       int    // successful Reserve calls
	Releases       int    // Release calls on live mappings
	Commits        int    // Commit calls
	Decommits      int    // Decommit calls
	LiveMappings   int    // mappings reserved and not yet released
	LiveBytes      uint64 // reserved bytes of live mappings
	CommittedBytes uint64 // bytes currently committed through this provider
	PeakLiveBytes  uint64
}

// Counting wraps a Provider and records every mapping it hands out.
// It is safe for concurrent use.
type Counting struct {
	inner Provider

	mu        sync.Mutex
	stats     CountingStats
	live      map[*Mapping]uint64
	committed map[*Mapping]uint64
	// history of reservation sizes in call order
	sizes []uint64
}

// NewCounting wraps inner.
func NewCounting(inner Provider) *Counting {
	return &Counting{
		inner:     inner,
		live:      make(map[*Mapping]uint64),
		committed: make(map[*Mapping]uint64),
	}
}

func (c *Counting) PageSize() uint64 { return c.inner.PageSize() }

func (c *Counting) Reserve(size uint64) (*Mapping, error) {
	m, err := c.inner.Reserve(size)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Reserves++
	c.stats.LiveMappings++
	c.stats.LiveBytes += m.Size()
	c.stats.PeakLiveBytes = max(c.stats.PeakLiveBytes, c.stats.LiveBytes)
	c.live[m] = m.Size()
	c.sizes = append(c.sizes, m.Size())
	return m, nil
}

func (c *Counting) Commit(m *Mapping, off, size uint64) error {
	if err := c.inner.Commit(m, off, size); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Commits++
	c.stats.CommittedBytes += size
	c.committed[m] += size
	c.mu.Unlock()
	return nil
}

func (c *Counting) Decommit(m *Mapping, off, size uint64) error {
	if err := c.inner.Decommit(m, off, size); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Decommits++
	size = min(size, c.committed[m])
	c.stats.CommittedBytes -= size
	c.committed[m] -= size
	c.mu.Unlock()
	return nil
}

func (c *Counting) Release(m *Mapping) error {
	c.mu.Lock()
	size, ok := c.live[m]
	if ok {
		delete(c.live, m)
		c.stats.Releases++
		c.stats.LiveMappings--
		c.stats.LiveBytes -= size
		c.stats.CommittedBytes -= c.committed[m]
		delete(c.committed, m)
	}
	c.mu.Unlock()
	if !ok {
		return errors.Newf("vm: release of unknown mapping")
	}
	return c.inner.Release(m)
}

// Stats returns a snapshot of the counters.
func (c *Counting) Stats() CountingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ReservedSizes returns the size of every reservation in call order.
func (c *Counting) ReservedSizes() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.sizes))
	copy(out, c.sizes)
	return out
}
