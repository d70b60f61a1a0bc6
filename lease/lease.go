// Package lease implements the borrow-cell discipline the dispatch loop
// uses to hand a handler exclusive, temporary access to one protocol
// object while the rest of the object table stays reachable. A Resident
// owns the object's storage; Lease is the exclusive, revocable handle a
// dispatcher holds while it is calling into that object, and it is the
// only way to get a typed value back out of a cell.
package lease

import (
	"errors"
	"sync/atomic"
)

// ErrAlreadyLeased is returned by Lease when the cell is already on loan.
var ErrAlreadyLeased = errors.New("lease: object is already leased")

// ErrWrongType is returned by Downcast when the cell's stored value does
// not implement the requested type.
var ErrWrongType = errors.New("lease: value does not implement the requested type")

// cell is the heap-allocated, type-erased storage a Resident and its
// Leases share. value holds the real object; dispatcher holds its
// generated opcode-routing function, stored as `any` so this package
// never needs to import the server package that defines the concrete
// dispatcher function type (which would be a cycle: the dispatcher
// signature takes an EventLoop and a Client, and those in turn hold
// Resident/Lease values).
type cell struct {
	value         any
	interfaceName string
	version       uint32
	dispatcher    any
	leased        atomic.Bool
	freePending   atomic.Bool
}

// Resident owns one protocol object's storage. It is addressed by the
// object table; taking it out for the duration of a dispatch is the job of
// Lease.
type Resident struct {
	c *cell
}

// NewResident wraps value as a resident cell, recording its interface
// name, bound version, and generated dispatcher function.
func NewResident(value any, interfaceName string, version uint32, dispatcher any) *Resident {
	return &Resident{c: &cell{
		value:         value,
		interfaceName: interfaceName,
		version:       version,
		dispatcher:    dispatcher,
	}}
}

// InterfaceName reports the underlying object's interface name without
// requiring a lease; it never mutates residency state.
func (r *Resident) InterfaceName() string { return r.c.interfaceName }

// Version reports the interface version the object was bound at.
func (r *Resident) Version() uint32 { return r.c.version }

// IsLeased reports whether the cell is currently on loan.
func (r *Resident) IsLeased() bool { return r.c.leased.Load() }

// Lease takes exclusive, temporary ownership of the cell. It fails if the
// cell is already leased; the caller must finish with the returned Lease
// (via Release) before anyone else can lease the same cell again.
func (r *Resident) Lease() (*Lease, error) {
	if !r.c.leased.CompareAndSwap(false, true) {
		return nil, ErrAlreadyLeased
	}
	return &Lease{c: r.c}, nil
}

// TryLease is a convenience wrapper over Lease for call sites that would
// otherwise immediately discard the error in favor of a boolean: skip
// dispatch silently when the object is mid-use elsewhere (e.g. a
// re-entrant request targeting an object already on the call stack).
func (r *Resident) TryLease() (*Lease, bool) {
	l, err := r.Lease()
	if err != nil {
		return nil, false
	}
	return l, true
}

// MarkFreePending records that the object table wants this cell freed as
// soon as the outstanding lease releases. It is the table's job to forget
// its own reference to the Resident immediately; the cell only needs to
// know not to un-leash normal residency on the matching Release.
func (r *Resident) MarkFreePending() {
	r.c.freePending.Store(true)
}

// Lease is the exclusive handle returned by Resident.Lease. It is already
// type-erased (the spec's Lease<dyn Any>); Downcast recovers a concrete
// type, and a Lease that has already been downcast can always be treated
// as erased again since it never stops holding the same cell.
type Lease struct {
	c        *cell
	released bool
}

// Value returns the leased object as `any`. Most call sites use Downcast
// instead; Value exists for dispatch plumbing that only needs to forward
// the object onward (e.g. into a generated dispatcher function).
func (l *Lease) Value() any { return l.c.value }

// Dispatcher returns the cell's generated dispatcher function as `any`;
// the caller type-asserts it to the concrete function type it expects.
func (l *Lease) Dispatcher() any { return l.c.dispatcher }

// InterfaceName reports the leased object's interface name.
func (l *Lease) InterfaceName() string { return l.c.interfaceName }

// Version reports the leased object's bound interface version.
func (l *Lease) Version() uint32 { return l.c.version }

// Released reports whether Release has already been called.
func (l *Lease) Released() bool { return l.released }

// Release returns the cell to residency. Calling Release more than once is
// a no-op. If the object table marked the cell free-pending while this
// lease was outstanding, Release performs that deferred free by clearing
// the cell's stored value instead of restoring it to availability —
// mirroring the "Resident dropped while leased ⇒ free deferred until
// Lease drops" rule.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	if l.c.freePending.Load() {
		l.c.value = nil
		l.c.dispatcher = nil
	}
	l.c.leased.Store(false)
}

// Downcast recovers a concrete type T from a leased value. It fails with
// ErrWrongType if the cell's real type is not T, mirroring
// Lease<dyn Any>::downcast<T>()'s UnexpectedObjectType outcome — callers
// report that as a protocol error, not a Go panic.
func Downcast[T any](l *Lease) (T, error) {
	v, ok := l.c.value.(T)
	if !ok {
		var zero T
		return zero, ErrWrongType
	}
	return v, nil
}
