//go:build !unix && !windows

package vm

// NewOS falls back to Go-heap memory where no OS provider exists.
func NewOS() Provider {
	return NewGoMemory(0)
}
