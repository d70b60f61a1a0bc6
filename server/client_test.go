//go:build linux

package server

import (
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gogpu/yutani/wire"
)

type fakeObject struct{ n int }

func newTestClient(t *testing.T) *Client[struct{}] {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	c := NewClient[struct{}](fds[0], zerolog.Nop(), false)
	t.Cleanup(func() { _ = c.stream.Close() })
	return c
}

func TestInsertThenGetRoundTrips(t *testing.T) {
	c := newTestClient(t)
	l, err := c.Insert(wire.ObjectId(5), &fakeObject{n: 7}, "test_iface", 1, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	l.Release()

	l2, v, err := Get[struct{}, *fakeObject](c, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer l2.Release()
	if v.n != 7 {
		t.Fatalf("got n=%d, want 7", v.n)
	}
}

func TestInsertDuplicateIDFails(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.Insert(wire.ObjectId(5), &fakeObject{}, "test_iface", 1, nil); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := c.Insert(wire.ObjectId(5), &fakeObject{}, "test_iface", 1, nil); err == nil {
		t.Fatal("expected ObjectExists on duplicate id")
	}
}

func TestGetAnyMissingIDIsNoObject(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.GetAny(42); err == nil {
		t.Fatal("expected NoObject protocol error")
	}
}

func TestQueueDeleteRemovesAfterDrain(t *testing.T) {
	c := newTestClient(t)
	l, err := c.Insert(wire.ObjectId(9), &fakeObject{}, "test_iface", 1, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	l.Release()

	c.QueueDelete(9)
	if _, ok := c.Lookup(9); !ok {
		t.Fatal("object should still be present before drain")
	}

	var deleted []wire.ObjectId
	c.SetDropHandler(func(el *EventLoop[struct{}], c *Client[struct{}], id wire.ObjectId) {
		deleted = append(deleted, id)
	})
	c.DrainDeletes(nil)

	if _, ok := c.Lookup(9); ok {
		t.Fatal("object should be gone after drain")
	}
	if len(deleted) != 1 || deleted[0] != 9 {
		t.Fatalf("drop handler saw %v, want [9]", deleted)
	}
}

func TestQueueDeleteIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	c.QueueDelete(3)
	c.QueueDelete(3)
	if len(c.dropQueue) != 1 {
		t.Fatalf("dropQueue = %v, want one entry", c.dropQueue)
	}
}

func TestNewServerIDStartsAtServerRangeAndIncreases(t *testing.T) {
	c := newTestClient(t)
	first := c.NewServerID()
	if !first.IsServerAllocated() {
		t.Fatalf("first server id %d not in server range", first)
	}
	second := c.NewServerID()
	if second <= first {
		t.Fatalf("ids did not increase: %d then %d", first, second)
	}
}

func TestNewServerIDSkipsOccupied(t *testing.T) {
	c := newTestClient(t)
	first := c.NewServerID()
	// Occupy the very next id so the following call must skip over it.
	next := first + 1
	if _, err := c.Insert(next, &fakeObject{}, "test_iface", 1, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.serverNextID = first + 1

	got := c.NewServerID()
	if got == next {
		t.Fatalf("NewServerID returned an occupied id %d", got)
	}
}

func TestNextSerialIncrements(t *testing.T) {
	c := newTestClient(t)
	a := c.NextSerial()
	b := c.NextSerial()
	if b != a+1 {
		t.Fatalf("serials %d, %d not consecutive", a, b)
	}
}

func TestRegisterGlobalAndFindGlobal(t *testing.T) {
	c := newTestClient(t)
	c.RegisterGlobal(GlobalDescriptor[struct{}]{Name: 1, Interface: "wl_shm", Version: 1})
	c.RegisterGlobal(GlobalDescriptor[struct{}]{Name: 2, Interface: "wl_compositor", Version: 4})

	if len(c.Globals()) != 2 {
		t.Fatalf("Globals() = %v", c.Globals())
	}
	g, ok := c.FindGlobal(2)
	if !ok || g.Interface != "wl_compositor" {
		t.Fatalf("FindGlobal(2) = %+v, %v", g, ok)
	}
	if _, ok := c.FindGlobal(99); ok {
		t.Fatal("FindGlobal(99) should miss")
	}
}
