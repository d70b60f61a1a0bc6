package wlproto

import (
	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/protoerr"
	"github.com/gogpu/yutani/server"
	"github.com/gogpu/yutani/wire"
)

// Shm is a minimal wl_shm global: it advertises the one pixel format the
// core needs for the bootstrap scenarios in spec.md §8 and nothing more.
// Pool-to-buffer pixel semantics are out of scope per spec.md §1.
type Shm struct{}

const (
	ShmInterface = "wl_shm"
	ShmVersion   = 1

	// ShmGlobalName is the well-known registry name this module always
	// advertises wl_shm under, matching spec.md §8 scenario 1's
	// {name=1, interface="wl_shm", version=1}.
	ShmGlobalName uint32 = 1
)

// NewShmGlobal builds the GlobalDescriptor advertising wl_shm.
func NewShmGlobal[S any]() server.GlobalDescriptor[S] {
	return server.GlobalDescriptor[S]{
		Name:      ShmGlobalName,
		Interface: ShmInterface,
		Version:   ShmVersion,
		Factory:   bindShm[S],
	}
}

func bindShm[S any](el *server.EventLoop[S], c *server.Client[S], id wire.NewId) (*lease.Resident, error) {
	l, err := c.Insert(id.ID, &Shm{}, ShmInterface, ShmVersion, server.Dispatcher[S](DispatchShm[S]))
	if err != nil {
		return nil, err
	}
	l.Release()
	if err := c.Stream().BeginMessage(id.ID, shmEventFormat).PutUint32(shmFormatArgb8888).Commit(); err != nil {
		return nil, err
	}
	r, _ := c.Lookup(id.ID)
	return r, nil
}

// DispatchShm satisfies the Dispatcher contract. wl_shm's only request,
// create_pool, is out of scope along with the rest of shared-memory pool
// management (spec.md §1), so any message reaching it is a protocol
// error.
func DispatchShm[S any](l *lease.Lease, el *server.EventLoop[S], c *server.Client[S], msg *wire.Message) error {
	defer l.Release()
	return protoerr.NewProtocol(uint32(msg.Object), protoerr.CodeInvalidMethod, "%v", protoerr.ErrInvalidOpcode)
}
