package heap

import (
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/heapkit/internal/vm"
)

// Option configures a Registry.
type Option func(*Registry)

// WithVM sets the virtual memory provider every heap maps through.
func WithVM(p vm.Provider) Option {
	return func(r *Registry) { r.vm = p }
}

// WithLogger sets the parent logger. Heaps log under named children.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.base = l }
}

// WithClock replaces time.Now for idle-buffer aging.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSlots sets the number of thread-local slots. Each low-lock heap holds
// one; heaps created once they are exhausted fall back to the legacy
// backend.
func WithSlots(n int) Option {
	return func(r *Registry) { r.slots = n }
}

// WithBufferDwell sets how long an empty per-thread buffer stays committed.
func WithBufferDwell(d time.Duration) Option {
	return func(r *Registry) { r.dwell = d }
}

// CreateOption configures one heap.
type CreateOption func(*createConfig)

type createConfig struct {
	memory     []byte
	obfuscator uint64
}

// WithMemory backs the heap with caller-owned memory. The heap never grows
// and always uses the legacy backend.
func WithMemory(b []byte) CreateOption {
	return func(c *createConfig) { c.memory = b }
}

// WithObfuscator fixes the header integrity key instead of drawing a
// random one. Intended for reproducible tests.
func WithObfuscator(x uint64) CreateOption {
	return func(c *createConfig) { c.obfuscator = x }
}
