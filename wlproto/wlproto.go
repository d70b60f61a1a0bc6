// Package wlproto stands in for the out-of-scope protocol description
// compiler (spec.md §1): it hand-writes the dispatcher functions, opcode
// tables, and argument shapes for wl_display, wl_registry, wl_callback,
// and a small pair of example globals (wl_shm, wl_compositor) used by the
// bootstrap/bind scenarios in spec.md §8. Everything here follows the
// same opcode numbers and argument ordering as the real Wayland protocol
// (mirrored from the teacher's client-side opcode tables in
// compositor.go/registry.go/display.go — this package just decodes
// requests and encodes events instead of the reverse).
package wlproto

import (
	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/protoerr"
	"github.com/gogpu/yutani/server"
	"github.com/gogpu/yutani/wire"
)

// Request/event opcodes, matching wayland.xml.
const (
	displayRequestSync        uint16 = 0
	displayRequestGetRegistry uint16 = 1

	registryRequestBind uint16 = 0
	registryEventGlobal uint16 = 0

	callbackEventDone uint16 = 0

	compositorRequestCreateSurface uint16 = 0
	surfaceRequestDestroy          uint16 = 0

	shmEventFormat uint16 = 0
)

// shmFormatArgb8888 is the one format wl_shm.format must always advertise
// per the real protocol (wl_shm.format.argb8888 == 0).
const shmFormatArgb8888 uint32 = 0

// Display is the object bound at ID 1 for the lifetime of every
// connection. It carries no state of its own: sync and get_registry read
// everything they need off the Client they're handed.
type Display struct{}

// DisplayInterface and DisplayVersion are the constants a generated
// dispatcher type exposes per spec.md §1's external contract.
const (
	DisplayInterface = "wl_display"
	DisplayVersion   = 1
)

// SeedDisplay inserts the display object at wire.DisplayID, matching
// spec.md §4.6's per-client bootstrap factory. Its signature matches
// server.DisplayFactory; the accept function a ListenerSource is given
// calls it for every accepted client.
func SeedDisplay[S any](el *server.EventLoop[S], c *server.Client[S]) (*lease.Resident, error) {
	l, err := c.Insert(wire.DisplayID, &Display{}, DisplayInterface, DisplayVersion, server.Dispatcher[S](DispatchDisplay[S]))
	if err != nil {
		return nil, err
	}
	l.Release()
	r, _ := c.Lookup(wire.DisplayID)
	return r, nil
}

// DispatchDisplay routes wl_display requests: sync and get_registry,
// spec.md §4.4/§6's two predefined requests.
func DispatchDisplay[S any](l *lease.Lease, el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	defer l.Release()
	switch msg.Opcode {
	case displayRequestSync:
		return handleSync(el, c, msg)
	case displayRequestGetRegistry:
		return handleGetRegistry(el, c, msg)
	default:
		return protoerr.NewProtocol(uint32(msg.Object), protoerr.CodeInvalidMethod, "%v", protoerr.ErrInvalidOpcode)
	}
}

// handleSync implements spec.md §4.4/§8 scenario 2: create the callback,
// emit its done(serial) immediately, bump the serial, then queue the
// callback for deletion so delete_id follows the done event in the same
// flush (spec.md §5's ordering guarantee).
func handleSync[S any](el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	callbackID, err := msg.ReadNewIDTyped()
	if err != nil {
		return err
	}
	l, err := c.Insert(callbackID, &Callback{}, CallbackInterface, CallbackVersion, server.Dispatcher[S](DispatchCallback[S]))
	if err != nil {
		return err
	}
	l.Release()
	serial := c.NextSerial()
	if err := c.Stream().BeginMessage(callbackID, callbackEventDone).PutUint32(serial).Commit(); err != nil {
		return err
	}
	c.QueueDelete(callbackID)
	return nil
}

// handleGetRegistry implements spec.md §8 scenario 1: create the
// registry object and broadcast one global(...) event per registered
// global, in registration order.
func handleGetRegistry[S any](el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	registryID, err := msg.ReadNewIDTyped()
	if err != nil {
		return err
	}
	l, err := c.Insert(registryID, &Registry{}, RegistryInterface, RegistryVersion, server.Dispatcher[S](DispatchRegistry[S]))
	if err != nil {
		return err
	}
	l.Release()
	for _, g := range c.Globals() {
		err := c.Stream().BeginMessage(registryID, registryEventGlobal).
			PutUint32(g.Name).
			PutString(g.Interface).
			PutUint32(g.Version).
			Commit()
		if err != nil {
			return err
		}
	}
	return nil
}

// Callback is the object type wl_display.sync creates (wl_surface.frame is
// a no-op in this module and creates none); it carries no state — done()
// fires synchronously from the handler that created it, so Callback's own
// dispatch table never sees a request in this module's minimal
// implementation.
type Callback struct{}

const (
	CallbackInterface = "wl_callback"
	CallbackVersion   = 1
)

// DispatchCallback exists to satisfy the Dispatcher contract; wl_callback
// has no requests, so any message addressed to one post-creation is a
// protocol error (the object should already have been deleted by the
// time a client could legally send anything to it).
func DispatchCallback[S any](l *lease.Lease, el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	defer l.Release()
	return protoerr.NewProtocol(uint32(msg.Object), protoerr.CodeInvalidMethod, "%v", protoerr.ErrInvalidOpcode)
}

// Registry is the per-client wl_registry instance created by
// get_registry. It holds no state beyond what Client.Globals already
// tracks: bind looks the name up there at request time.
type Registry struct{}

const (
	RegistryInterface = "wl_registry"
	RegistryVersion   = 1
)

// DispatchRegistry routes wl_registry requests: only bind exists.
func DispatchRegistry[S any](l *lease.Lease, el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	registryID := msg.Object
	defer l.Release()
	if msg.Opcode != registryRequestBind {
		return protoerr.NewProtocol(uint32(registryID), protoerr.CodeInvalidMethod, "%v", protoerr.ErrInvalidOpcode)
	}

	name, err := msg.ReadUint32()
	if err != nil {
		return err
	}
	newID, err := msg.ReadNewIDDynamic()
	if err != nil {
		return err
	}

	g, ok := c.FindGlobal(name)
	if !ok {
		return protoerr.NewProtocol(uint32(registryID), protoerr.CodeInvalidObject, "%v", protoerr.ErrNoGlobal)
	}
	if g.Interface != newID.Interface {
		return protoerr.NewProtocol(uint32(registryID), protoerr.CodeInvalidObject, "%v", protoerr.ErrUnexpectedObjectType)
	}
	if newID.Version > g.Version {
		return protoerr.NewProtocol(uint32(registryID), protoerr.CodeInvalidObject, "%v", protoerr.ErrUnsupportedVersion)
	}

	r, err := g.Factory(el, c, newID)
	if err != nil {
		return err
	}
	_ = r
	return nil
}
