package legacy

import "math"

// SizeClassConfig defines how free blocks are bucketed into size classes.
type SizeClassConfig struct {
	Name string

	// Small blocks: linear increments.
	SmallMin       uint32
	SmallMax       uint32
	SmallIncrement uint32

	// Medium blocks: geometric growth up to MediumMax. Larger blocks go to
	// the unsorted large list.
	MediumMax    uint32
	GrowthFactor float64
}

// Predefined configurations.
var (
	// 32-512 step 16 (30 classes) + 512-16K x1.5 (~9 classes).
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       32,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      16 << 10,
		GrowthFactor:   1.5,
	}

	// 32-1024 step 16 + 1K-64K x1.25. More, smaller heaps.
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       32,
		SmallMax:       1024,
		SmallIncrement: 16,
		MediumMax:      64 << 10,
		GrowthFactor:   1.25,
	}

	// 32-512 step 64 + 512-16K x2.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       32,
		SmallMax:       512,
		SmallIncrement: 64,
		MediumMax:      16 << 10,
		GrowthFactor:   2.0,
	}

	DefaultSizeClasses = ConfigBalanced
)

// sizeClassTable holds the computed class upper bounds.
type sizeClassTable struct {
	config     SizeClassConfig
	boundaries []uint32
}

func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	t := &sizeClassTable{config: config, boundaries: make([]uint32, 0, 64)}

	for size := config.SmallMin; size < config.SmallMax; size += config.SmallIncrement {
		t.boundaries = append(t.boundaries, size+config.SmallIncrement-1)
	}
	if config.SmallMax < config.MediumMax {
		size := config.SmallMax
		for size < config.MediumMax {
			next := uint32(math.Ceil(float64(size) * config.GrowthFactor))
			if next <= size {
				next = size + 1
			}
			t.boundaries = append(t.boundaries, next-1)
			size = next
		}
	}
	return t
}

// classOf returns the class index for size, or numClasses() for the
// large list.
func (t *sizeClassTable) classOf(size uint32) int {
	lo, hi := 0, len(t.boundaries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.boundaries[mid] {
			if mid == 0 || size > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return len(t.boundaries)
}

func (t *sizeClassTable) numClasses() int { return len(t.boundaries) }

func (t *sizeClassTable) String() string { return t.config.Name }
