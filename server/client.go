package server

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/protoerr"
	"github.com/gogpu/yutani/wire"
)

// DropHandler is invoked once per ID in the delete queue after drain, so
// the caller can emit display.delete_id(id) (the default behaviour wired
// up by NewClient) or substitute its own bookkeeping in tests.
type DropHandler[S any] func(el *EventLoop[S], c *Client[S], id wire.ObjectId)

// Client is one connected Wayland client: its Stream, object table,
// per-client global registry, error-handler trampoline, delete queue, and
// monotonic serial/ID counters, matching spec.md §3/§4.4.
type Client[S any] struct {
	stream  *wire.Stream
	objects *objectTable
	globals []GlobalDescriptor[S]

	errorHandler ErrorHandler[S]
	dropHandler  DropHandler[S]

	dropQueue    []wire.ObjectId
	serial       uint32
	serverNextID wire.ObjectId

	logger zerolog.Logger
	debug  bool
}

// NewClient wraps an already-accepted, non-blocking socket as a Client with
// an empty object table. The caller still must insert the display object
// at ID 1 (wlproto.SeedDisplay does this) and register the Client with an
// EventLoop via Add.
func NewClient[S any](sock int, logger zerolog.Logger, debug bool) *Client[S] {
	c := &Client[S]{
		stream:       wire.NewStream(sock),
		objects:      newObjectTable(),
		serverNextID: wire.ServerIDStart,
		logger:       logger,
		debug:        debug,
	}
	c.errorHandler = defaultErrorHandler[S]
	c.dropHandler = defaultDropHandler[S]
	return c
}

// SetErrorHandler overrides the trampoline called when a dispatcher
// returns a *protoerr.Protocol error.
func (c *Client[S]) SetErrorHandler(h ErrorHandler[S]) { c.errorHandler = h }

// SetDropHandler overrides the hook called once per queued deletion during
// DrainDeletes. The default emits display.delete_id(id).
func (c *Client[S]) SetDropHandler(h DropHandler[S]) { c.dropHandler = h }

// Stream returns the client's wire codec, for dispatchers decoding
// arguments and emitting events.
func (c *Client[S]) Stream() *wire.Stream { return c.stream }

// Fd implements Source.
func (c *Client[S]) Fd() int { return c.stream.Fd() }

// Insert materialises value as a Resident under id — iface/version/
// dispatcher describe the generated interface type — and returns a Lease
// on the freshly inserted object. Fails with protoerr.ErrObjectExists
// (wrapped as protoerr.Dispatch) if id is already occupied.
func (c *Client[S]) Insert(id wire.ObjectId, value any, iface string, version uint32, dispatcher any) (*lease.Lease, error) {
	r, err := c.objects.insert(id, value, iface, version, dispatcher)
	if err != nil {
		return nil, err
	}
	l, err := r.Lease()
	if err != nil {
		// Can't happen: nothing else has had a chance to lease a cell we
		// just created, but surface it rather than panic if it ever did.
		return nil, protoerr.NewSystem(err)
	}
	return l, nil
}

// Get looks up id, leases it, and downcasts it to T.
func Get[S any, T any](c *Client[S], id wire.ObjectId) (*lease.Lease, T, error) {
	return get[T](c.objects, id)
}

// GetAny looks up and leases id without a type check, for use inside
// dispatch where the caller already knows which concrete type it expects
// via the interface contract, not via Go generics.
func (c *Client[S]) GetAny(id wire.ObjectId) (*lease.Lease, error) {
	return c.objects.getAny(id)
}

// Lookup reports whether id is currently present in the object table
// without leasing it.
func (c *Client[S]) Lookup(id wire.ObjectId) (*lease.Resident, bool) {
	return c.objects.lookup(id)
}

// QueueDelete appends id to the delete queue. It is idempotent and does
// not remove the object immediately — removal happens in DrainDeletes,
// after every message in the current dispatch cycle has been processed,
// per spec.md §5's delete-ordering guarantee.
func (c *Client[S]) QueueDelete(id wire.ObjectId) {
	for _, q := range c.dropQueue {
		if q == id {
			return
		}
	}
	c.dropQueue = append(c.dropQueue, id)
}

// DrainDeletes removes every queued ID from the object table and invokes
// the drop handler for each (by default, emitting display.delete_id(id)).
// A Resident still on loan when its delete is drained is marked
// free-pending instead of freed immediately: the matching Lease.Release
// performs the actual free once dispatch for that message returns.
func (c *Client[S]) DrainDeletes(el *EventLoop[S]) {
	queue := c.dropQueue
	c.dropQueue = nil
	for _, id := range queue {
		if r, ok := c.objects.remove(id); ok {
			if r.IsLeased() {
				r.MarkFreePending()
			}
		}
		c.dropHandler(el, c, id)
	}
}

// NewServerID advances and returns the server-allocated ID counter,
// wrapping from 0xFFFFFFFF back to wire.ServerIDStart and skipping any ID
// still occupied in the table (spec.md invariant 6).
func (c *Client[S]) NewServerID() wire.ObjectId {
	for {
		id := c.serverNextID
		if c.serverNextID == 0xFFFFFFFF {
			c.serverNextID = wire.ServerIDStart
		} else {
			c.serverNextID++
		}
		if _, occupied := c.objects.lookup(id); !occupied {
			return id
		}
	}
}

// NextSerial returns the client's current serial, then increments it,
// wrapping on overflow.
func (c *Client[S]) NextSerial() uint32 {
	s := c.serial
	c.serial++
	return s
}

// RegisterGlobal appends descriptor to the client's advertised global
// list. Globals are broadcast to the client's wl_registry on
// get_registry, and bound via wl_registry.bind.
func (c *Client[S]) RegisterGlobal(g GlobalDescriptor[S]) {
	c.globals = append(c.globals, g)
}

// Globals returns the client's registered globals in registration order.
func (c *Client[S]) Globals() []GlobalDescriptor[S] { return c.globals }

// FindGlobal looks up a registered global by its broadcast name.
func (c *Client[S]) FindGlobal(name uint32) (GlobalDescriptor[S], bool) {
	for _, g := range c.globals {
		if g.Name == name {
			return g, true
		}
	}
	return GlobalDescriptor[S]{}, false
}

// SendError emits display.error(object, code, message) to the client.
// Per spec.md §9, this is best-effort: a failure to write it is reported
// to the caller but does not recurse into the error handler itself.
func (c *Client[S]) SendError(object wire.ObjectId, code protoerr.Code, message string) error {
	return c.stream.BeginMessage(wire.DisplayID, displayEventError).
		PutObject(object).
		PutUint32(uint32(code)).
		PutString(message).
		Commit()
}

// SendDeleteID emits display.delete_id(id).
func (c *Client[S]) SendDeleteID(id wire.ObjectId) error {
	return c.stream.BeginMessage(wire.DisplayID, displayEventDeleteID).
		PutUint32(uint32(id)).
		Commit()
}

// Display-owned event opcodes, per spec.md §6's "Global predefined
// messages" (wl_display is the one interface every client connection has
// without binding it).
const (
	displayEventError    uint16 = 0
	displayEventDeleteID uint16 = 1
)

func defaultErrorHandler[S any](el *EventLoop[S], c *Client[S], object wire.ObjectId, code uint32, message string) error {
	return c.SendError(object, protoerr.Code(code), message)
}

func defaultDropHandler[S any](el *EventLoop[S], c *Client[S], id wire.ObjectId) {
	if err := c.SendDeleteID(id); err != nil {
		c.logger.Warn().Err(err).Uint32("id", uint32(id)).Msg("failed to send delete_id")
	}
}

// Input implements Source: it pulls all currently available bytes and
// ancillary fds, parses and dispatches every complete message buffered,
// drains the delete queue, and flushes outbound data — spec.md §4.4's
// Client::input loop.
func (c *Client[S]) Input(el *EventLoop[S]) error {
	// A Recvmsg failure (including an orderly peer shutdown) is not
	// reported immediately: per spec.md §3's "zero bytes with prior data
	// is a successful return", any message the stream had already fully
	// staged before this read attempt still gets parsed and dispatched,
	// and queued deletes still drain and flush, before the fatal error
	// is surfaced to the event loop.
	_, recvErr := c.stream.Recvmsg()

	for {
		msg, ok, err := c.stream.NextMessage()
		if err != nil {
			if protoerr.IsCorrupt(err) {
				return protoerr.NewSystem(err)
			}
			return err
		}
		if !ok {
			break
		}
		if err := c.dispatchOne(el, msg); err != nil {
			if protoerr.IsFatal(err) {
				return err
			}
			var perr *protoerr.Protocol
			if errors.As(err, &perr) {
				if herr := c.errorHandler(el, c, wire.ObjectId(perr.Object), uint32(perr.Code), perr.Message); herr != nil {
					return protoerr.NewSystem(herr)
				}
				continue
			}
			// Anything else (e.g. a bare *protoerr.Dispatch) is logged
			// and the message is abandoned without touching the wire.
			c.logger.Warn().Err(err).Msg("dispatch error")
		}
	}

	c.DrainDeletes(el)
	if err := c.stream.Sendmsg(); err != nil && !errors.Is(err, wire.ErrWouldBlock) {
		return protoerr.NewSystem(err)
	}
	if recvErr != nil {
		return protoerr.NewSystem(recvErr)
	}
	return nil
}

func (c *Client[S]) dispatchOne(el *EventLoop[S], msg *wire.Message) error {
	l, err := c.GetAny(msg.Object)
	if err != nil {
		return err
	}

	if c.debug {
		c.logger.Debug().Str("msg", msg.DebugString(l.InterfaceName())).Msg("dispatch")
	}

	dispatcher, ok := l.Dispatcher().(Dispatcher[S])
	if !ok || dispatcher == nil {
		l.Release()
		return protoerr.NewProtocol(uint32(msg.Object), protoerr.CodeInvalidMethod, "%v", protoerr.ErrInvalidOpcode)
	}
	return dispatcher(l, el, c, msg)
}

// Destroy implements Source: it closes the underlying stream, releasing
// any fds still buffered undelivered.
func (c *Client[S]) Destroy(el *EventLoop[S]) error {
	return c.stream.Close()
}
