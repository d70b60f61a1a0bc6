//go:build linux

// Package fd provides a tiny owned-file-descriptor type used wherever the
// wire protocol moves SCM_RIGHTS ancillary data through the object model.
package fd

import "golang.org/x/sys/unix"

// Fd is an owned OS file descriptor. It is moved through the object model
// by value; it is never duplicated silently, matching the "owned, closed
// on drop" contract the wire protocol requires for fd arguments.
type Fd int

// Invalid is the zero value's sibling for call sites that need an explicit
// "no descriptor" marker distinct from fd 0 (stdin).
const Invalid Fd = -1

// Valid reports whether f refers to a real descriptor.
func (f Fd) Valid() bool { return f >= 0 }

// Int returns the raw descriptor number for syscalls.
func (f Fd) Int() int { return int(f) }

// Close releases the descriptor. Closing an invalid Fd is a no-op, so
// callers can close defensively without an extra Valid check.
func (f Fd) Close() error {
	if !f.Valid() {
		return nil
	}
	return unix.Close(int(f))
}
