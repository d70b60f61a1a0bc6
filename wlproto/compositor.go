package wlproto

import (
	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/protoerr"
	"github.com/gogpu/yutani/server"
	"github.com/gogpu/yutani/wire"
)

// Compositor is a minimal wl_compositor global: create_surface returns an
// opaque tracked object with no render semantics, since surface trees and
// buffer rendering are out of scope per spec.md §1. It exists purely so
// the bootstrap/bind scenarios in spec.md §8 have a second real global to
// exercise end-to-end.
type Compositor struct{}

const (
	CompositorInterface = "wl_compositor"
	CompositorVersion   = 4

	// CompositorGlobalName matches spec.md §8 scenario 1's
	// {name=2, interface="wl_compositor", version=4}.
	CompositorGlobalName uint32 = 2
)

// NewCompositorGlobal builds the GlobalDescriptor advertising
// wl_compositor.
func NewCompositorGlobal[S any]() server.GlobalDescriptor[S] {
	return server.GlobalDescriptor[S]{
		Name:      CompositorGlobalName,
		Interface: CompositorInterface,
		Version:   CompositorVersion,
		Factory:   bindCompositor[S],
	}
}

func bindCompositor[S any](el *server.EventLoop[S], c *server.Client[S], id wire.NewId) (*lease.Resident, error) {
	l, err := c.Insert(id.ID, &Compositor{}, CompositorInterface, CompositorVersion, server.Dispatcher[S](DispatchCompositor[S]))
	if err != nil {
		return nil, err
	}
	l.Release()
	r, _ := c.Lookup(id.ID)
	return r, nil
}

// DispatchCompositor routes wl_compositor requests: only create_surface.
func DispatchCompositor[S any](l *lease.Lease, el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	defer l.Release()
	if msg.Opcode != compositorRequestCreateSurface {
		return protoerr.NewProtocol(uint32(msg.Object), protoerr.CodeInvalidMethod, "%v", protoerr.ErrInvalidOpcode)
	}
	surfaceID, err := msg.ReadNewIDTyped()
	if err != nil {
		return err
	}
	l2, err := c.Insert(surfaceID, &Surface{}, SurfaceInterface, SurfaceVersion, server.Dispatcher[S](DispatchSurface[S]))
	if err != nil {
		return err
	}
	l2.Release()
	return nil
}

// Surface is an opaque tracked object standing in for wl_surface: no
// attach/damage/commit pixel semantics, just enough identity and
// destroy-request handling to exercise the object table's deletion path.
type Surface struct{}

const (
	SurfaceInterface = "wl_surface"
	SurfaceVersion   = 4
)

// DispatchSurface routes wl_surface requests. Only destroy is implemented;
// every other opcode (attach, damage, frame, commit, ...) is accepted as a
// silent no-op since surface/buffer semantics are out of scope per
// spec.md §1 — the bootstrap scenarios only need the object to exist and
// be destroyable.
func DispatchSurface[S any](l *lease.Lease, el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	defer l.Release()
	if msg.Opcode == surfaceRequestDestroy {
		c.QueueDelete(msg.Object)
	}
	return nil
}
