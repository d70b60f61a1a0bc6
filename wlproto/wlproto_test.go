//go:build linux

package wlproto_test

import (
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gogpu/yutani/fd"
	"github.com/gogpu/yutani/internal/testsocket"
	"github.com/gogpu/yutani/server"
	"github.com/gogpu/yutani/wire"
	"github.com/gogpu/yutani/wlproto"
)

type testState struct{}

// harness wires a real Client[testState] over one end of a socketpair and
// a bare wire.Stream driving the other end as a fake client, seeded with
// the display object and the two bootstrap globals, matching spec.md §8
// scenario 1's setup.
type harness struct {
	t      *testing.T
	el     *server.EventLoop[testState]
	server *server.Client[testState]
	client *wire.Stream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clientFd, serverFd := testsocket.Pair(t)

	el, err := server.NewEventLoop[testState](testState{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	t.Cleanup(func() { _ = el.Close() })

	c := server.NewClient[testState](serverFd, zerolog.Nop(), false)
	if _, err := wlproto.SeedDisplay[testState](el, c); err != nil {
		t.Fatalf("SeedDisplay: %v", err)
	}
	c.RegisterGlobal(wlproto.NewShmGlobal[testState]())
	c.RegisterGlobal(wlproto.NewCompositorGlobal[testState]())

	return &harness{t: t, el: el, server: c, client: wire.NewStream(clientFd)}
}

func (h *harness) drive() {
	h.t.Helper()
	if err := h.server.Input(h.el); err != nil {
		h.t.Fatalf("Client.Input: %v", err)
	}
}

// drainMessages pulls every message the fake client stream can currently
// see, retrying Recvmsg a few times to give the kernel a chance to
// deliver everything the server just sent.
func (h *harness) drainMessages() []*wire.Message {
	h.t.Helper()
	var out []*wire.Message
	for attempt := 0; attempt < 10; attempt++ {
		if _, err := h.client.Recvmsg(); err != nil {
			h.t.Fatalf("Recvmsg: %v", err)
		}
		for {
			msg, ok, err := h.client.NextMessage()
			if err != nil {
				h.t.Fatalf("NextMessage: %v", err)
			}
			if !ok {
				break
			}
			out = append(out, msg)
		}
		if len(out) > 0 {
			break
		}
	}
	return out
}

func TestBootstrapBroadcastsGlobalsInOrder(t *testing.T) {
	h := newHarness(t)

	if err := h.client.BeginMessage(wire.DisplayID, 1 /* get_registry */).
		PutNewID(2).Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}

	h.drive()

	msgs := h.drainMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d registry.global events, want 2", len(msgs))
	}

	want := []struct {
		name  uint32
		iface string
		vers  uint32
	}{
		{wlproto.ShmGlobalName, wlproto.ShmInterface, wlproto.ShmVersion},
		{wlproto.CompositorGlobalName, wlproto.CompositorInterface, wlproto.CompositorVersion},
	}
	for i, m := range msgs {
		if m.Object != 2 {
			t.Fatalf("message %d addressed to %d, want registry id 2", i, m.Object)
		}
		name, _ := m.ReadUint32()
		iface, _ := m.ReadString(false)
		vers, _ := m.ReadUint32()
		if name != want[i].name || iface != want[i].iface || vers != want[i].vers {
			t.Fatalf("global %d = (%d,%q,%d), want (%d,%q,%d)",
				i, name, iface, vers, want[i].name, want[i].iface, want[i].vers)
		}
	}
}

func TestSyncEmitsDoneThenDeleteID(t *testing.T) {
	h := newHarness(t)

	if err := h.client.BeginMessage(wire.DisplayID, 0 /* sync */).
		PutNewID(3).Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}

	h.drive()

	msgs := h.drainMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (done, delete_id)", len(msgs))
	}
	done, delete := msgs[0], msgs[1]
	if done.Object != 3 {
		t.Fatalf("done event addressed to %d, want callback id 3", done.Object)
	}
	if delete.Object != wire.DisplayID {
		t.Fatalf("delete_id addressed to %d, want display id", delete.Object)
	}
	id, err := delete.ReadUint32()
	if err != nil || id != 3 {
		t.Fatalf("delete_id arg = %d, %v, want 3", id, err)
	}
}

func TestBindUnknownGlobalReportsDisplayError(t *testing.T) {
	h := newHarness(t)

	// get_registry(2) first so a registry object exists to bind through.
	if err := h.client.BeginMessage(wire.DisplayID, 1).PutNewID(2).Commit(); err != nil {
		t.Fatalf("Commit get_registry: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive()
	h.drainMessages() // discard the global broadcast

	if err := h.client.BeginMessage(2, 0 /* bind */).
		PutUint32(99).
		PutNewIDDynamic("wl_shm", 1, 10).
		Commit(); err != nil {
		t.Fatalf("Commit bind: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive()

	msgs := h.drainMessages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly one display.error", len(msgs))
	}
	errMsg := msgs[0]
	if errMsg.Object != wire.DisplayID || errMsg.Opcode != 0 {
		t.Fatalf("header = %+v, want display.error", errMsg.Header)
	}
	object, _ := errMsg.ReadUint32()
	_, _ = errMsg.ReadUint32() // code
	message, _ := errMsg.ReadString(false)
	if object != 2 {
		t.Fatalf("error object = %d, want registry id 2", object)
	}
	if message == "" {
		t.Fatal("expected a non-empty error message")
	}

	if _, ok := h.server.Lookup(10); ok {
		t.Fatal("object 10 should not have been inserted")
	}
}

func TestDoubleDeleteSafety(t *testing.T) {
	h := newHarness(t)

	// Bind wl_compositor so we have a real surface-creating global.
	if err := h.client.BeginMessage(wire.DisplayID, 1).PutNewID(2).Commit(); err != nil {
		t.Fatalf("Commit get_registry: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive()
	h.drainMessages()

	if err := h.client.BeginMessage(2, 0).
		PutUint32(wlproto.CompositorGlobalName).
		PutNewIDDynamic(wlproto.CompositorInterface, wlproto.CompositorVersion, 6).
		Commit(); err != nil {
		t.Fatalf("Commit bind compositor: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive()

	if err := h.client.BeginMessage(6, 0 /* create_surface */).PutNewID(7).Commit(); err != nil {
		t.Fatalf("Commit create_surface: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive()

	// Queue commit(6) then destroy(0) for surface 7 in the same batch: the
	// commit must still be dispatched since deletes only drain after every
	// message in the cycle has been processed.
	if err := h.client.BeginMessage(7, 6 /* commit */).Commit(); err != nil {
		t.Fatalf("Commit surface.commit: %v", err)
	}
	if err := h.client.BeginMessage(7, 0 /* destroy */).Commit(); err != nil {
		t.Fatalf("Commit surface.destroy: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive() // must not fail: commit dispatches fine even though destroy
	// is queued in the same cycle, and removal happens only at drain.
	h.drainMessages() // discard delete_id(7)

	if _, ok := h.server.Lookup(7); ok {
		t.Fatal("surface 7 should be gone after the cycle drained")
	}

	// A message arriving after the cycle, once the id is truly gone,
	// yields NoObject without crashing the dispatch loop.
	if err := h.client.BeginMessage(7, 6).Commit(); err != nil {
		t.Fatalf("Commit late commit: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}
	h.drive()

	msgs := h.drainMessages()
	if len(msgs) != 1 || msgs[0].Opcode != 0 {
		t.Fatalf("expected one display.error for the late message, got %v", msgs)
	}
}

func TestFDOrderingAcrossTwoMessages(t *testing.T) {
	h := newHarness(t)

	p1 := testsocket.InjectFD(t)
	p2 := testsocket.InjectFD(t)

	// Two messages addressed to the display object, each carrying one fd,
	// simulating wl_shm.create_pool(new_id, fd, size) pairs per spec.md §8
	// scenario 5 — only fd ordering is under test here, so the display's
	// own dispatcher rejecting the bogus opcode is expected and ignored.
	if err := h.client.BeginMessage(wire.DisplayID, 97).
		PutFD(fd.Fd(p1)).Commit(); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	if err := h.client.BeginMessage(wire.DisplayID, 97).
		PutFD(fd.Fd(p2)).Commit(); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}
	if err := h.client.Sendmsg(); err != nil {
		t.Fatalf("Sendmsg: %v", err)
	}

	// Drive the receive side directly rather than through Client.Input, so
	// we can inspect fd consumption order before either message is
	// dispatched (dispatch itself doesn't read these fds: this is purely a
	// Stream-level ordering check against spec.md §3 invariant 8).
	srvStream := h.server.Stream()
	var m1 *wire.Message
	var ok bool
	var err error
	for attempt := 0; attempt < 10 && !ok && err == nil; attempt++ {
		if _, err := srvStream.Recvmsg(); err != nil {
			t.Fatalf("Recvmsg: %v", err)
		}
		m1, ok, err = srvStream.NextMessage()
	}
	if err != nil || !ok {
		t.Fatalf("NextMessage 1: ok=%v err=%v", ok, err)
	}
	f1, err := m1.ReadFD()
	if err != nil {
		t.Fatalf("ReadFD 1: %v", err)
	}
	defer f1.Close()

	m2, ok, err := srvStream.NextMessage()
	if err != nil || !ok {
		t.Fatalf("NextMessage 2: ok=%v err=%v", ok, err)
	}
	f2, err := m2.ReadFD()
	if err != nil {
		t.Fatalf("ReadFD 2: %v", err)
	}
	defer f2.Close()

	if f1 == f2 {
		t.Fatal("expected distinct fds for the two messages, in send order")
	}
	for i, pair := range [][2]int{{f1.Int(), p1}, {f2.Int(), p2}} {
		var got, sent unix.Stat_t
		if err := unix.Fstat(pair[0], &got); err != nil {
			t.Fatalf("fstat received fd %d: %v", i+1, err)
		}
		if err := unix.Fstat(pair[1], &sent); err != nil {
			t.Fatalf("fstat sent fd %d: %v", i+1, err)
		}
		if got.Ino != sent.Ino {
			t.Fatalf("message %d carried the other pipe: fds not consumed in send order", i+1)
		}
	}
}
