// Package server is the reactor core: the event loop, per-client dispatch
// loop, object table, and listening socket. It is one package even though
// the spec describes EventLoop, Client, Listener, and the Dispatcher
// contract as logically separate components, because in Go those types
// are mutually referential (EventLoop drives Client as a Source; Client's
// dispatch loop takes the EventLoop; a Dispatcher is handed both) and
// splitting them into importing packages would create a cycle.
package server

import (
	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/wire"
)

// Dispatcher is the contract the (out-of-scope) protocol compiler
// produces for every generated interface type: given the just-leased
// object, the owning event loop and client, and the not-yet-decoded
// message body, it decodes arguments from the client's stream and calls
// the user-supplied handler method.
type Dispatcher[S any] func(l *lease.Lease, el *EventLoop[S], c *Client[S], msg *wire.Message) error

// GlobalFactory constructs the Resident for a newly bound global. It
// receives the event loop, the binding client, and the decoded dynamic
// new_id (interface, version, id) the client's registry.bind request
// supplied.
type GlobalFactory[S any] func(el *EventLoop[S], c *Client[S], id wire.NewId) (*lease.Resident, error)

// GlobalDescriptor is one entry in the registry a client's wl_registry
// broadcasts on get_registry.
type GlobalDescriptor[S any] struct {
	Name      uint32
	Interface string
	Version   uint32
	Factory   GlobalFactory[S]
}

// ErrorHandler is the user-registered trampoline Client.input calls when a
// dispatcher returns a protoerr.Protocol error. It may emit display.error
// and return nil to recover, or return a non-nil error to make the
// failure fatal (per spec.md §9's error-handler-recursion rule: an error
// out of this trampoline itself closes the connection).
type ErrorHandler[S any] func(el *EventLoop[S], c *Client[S], object wire.ObjectId, code uint32, message string) error
