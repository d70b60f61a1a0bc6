package server

import (
	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/protoerr"
	"github.com/gogpu/yutani/wire"
)

// objectTable is the map ObjectId -> Resident that backs one client's
// object namespace.
type objectTable struct {
	entries map[wire.ObjectId]*lease.Resident
}

func newObjectTable() *objectTable {
	return &objectTable{entries: make(map[wire.ObjectId]*lease.Resident)}
}

// insert materialises a Resident from value under id, failing with
// protoerr.ErrObjectExists if the id is already occupied.
func (t *objectTable) insert(id wire.ObjectId, value any, iface string, version uint32, dispatcher any) (*lease.Resident, error) {
	if _, exists := t.entries[id]; exists {
		return nil, protoerr.NewDispatch(protoerr.ErrObjectExists)
	}
	r := lease.NewResident(value, iface, version, dispatcher)
	t.entries[id] = r
	return r, nil
}

// lookup returns the Resident for id without leasing it.
func (t *objectTable) lookup(id wire.ObjectId) (*lease.Resident, bool) {
	r, ok := t.entries[id]
	return r, ok
}

// getAny looks up id and leases it without a type check, failing with a
// Protocol NoObject error if id is absent or ObjectLeased if it is
// already on loan.
func (t *objectTable) getAny(id wire.ObjectId) (*lease.Lease, error) {
	r, ok := t.entries[id]
	if !ok {
		return nil, protoerr.NewProtocol(uint32(id), protoerr.CodeInvalidObject, "%v", protoerr.ErrNoObject)
	}
	l, err := r.Lease()
	if err != nil {
		return nil, protoerr.NewDispatch(protoerr.ErrObjectLeased)
	}
	return l, nil
}

// get looks up, leases, and downcasts id to T.
func get[T any](t *objectTable, id wire.ObjectId) (*lease.Lease, T, error) {
	var zero T
	l, err := t.getAny(id)
	if err != nil {
		return nil, zero, err
	}
	v, err := lease.Downcast[T](l)
	if err != nil {
		l.Release()
		return nil, zero, protoerr.NewProtocol(uint32(id), protoerr.CodeInvalidObject, "%v", protoerr.ErrUnexpectedObjectType)
	}
	return l, v, nil
}

// remove drops id from the table immediately. The caller is responsible
// for marking the returned Resident free-pending if it is currently leased
// (Client.DrainDeletes does this).
func (t *objectTable) remove(id wire.ObjectId) (*lease.Resident, bool) {
	r, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return r, ok
}
