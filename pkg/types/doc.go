// Package types defines the public vocabulary shared by every heap backend:
// addresses, call flags, error categories, heap information and walk entries.
//
// Addresses are small, copyable handles (Ptr) rather than raw pointers. A Ptr
// names a region of the owning registry's address space plus a byte offset
// inside it, so header-from-payload and owner-from-block lookups are plain
// integer arithmetic followed by a region lookup.
//
// Design goals:
//   - Handles instead of pointers; payload bytes are reached through the arena.
//   - Stable error categories (out of memory, invalid parameter, overflow,
//     unsupported) that survive wrapping.
//   - No backend-specific types leak through this package.
package types
