//go:build linux

package server

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Source is anything the event loop can multiplex: a Listener, a Client,
// or a caller-defined custom source. Input is called when epoll reports
// readiness; Destroy runs once, when the source is being unregistered
// (self-removal, hangup, error, or loop shutdown).
type Source[S any] interface {
	Fd() int
	Input(el *EventLoop[S]) error
	Destroy(el *EventLoop[S]) error
}

// slot holds a registered source. A nil value (with present == true) is
// the "leased out" sentinel described in spec.md §4.5: it marks that this
// fd's source is mid-callback so a self-removal can be distinguished from
// an ordinary absence.
type slot[S any] struct {
	source  Source[S]
	present bool

	// leasedOut stashes the source while it is checked out of source for
	// the duration of an Input call. Remove consults it as a fallback so
	// the Destroy hook still runs for a source removed while its own
	// Input is on the call stack (self-removal) or removed by Wait
	// itself after a fatal readiness event, both of which see source
	// already nil at the time Remove runs.
	leasedOut Source[S]
}

// EventLoop is the single-threaded epoll reactor. It drives every
// registered Source (a Listener, Clients, Timers, or custom sources) and
// carries caller-defined state S, exactly mirroring spec.md §2/§4.5's
// EventLoop<S>.
type EventLoop[S any] struct {
	epfd    int
	slots   map[int]*slot[S]
	state   S
	logger  zerolog.Logger
	timers  *timerList[S]
	closing bool
}

// NewEventLoop creates an EventLoop carrying state.
func NewEventLoop[S any](state S, logger zerolog.Logger) (*EventLoop[S], error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &EventLoop[S]{
		epfd:   epfd,
		slots:  make(map[int]*slot[S]),
		state:  state,
		logger: logger,
		timers: newTimerList[S](),
	}, nil
}

// State returns the caller-defined state carried by the loop.
func (el *EventLoop[S]) State() S { return el.state }

// Logger returns the loop's logger, for sources that want to trace
// through the same sink.
func (el *EventLoop[S]) Logger() zerolog.Logger { return el.logger }

// Add registers src for INPUT | ERROR | HANG_UP readiness.
func (el *EventLoop[S]) Add(src Source[S]) error {
	fd := src.Fd()
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(el.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	el.slots[fd] = &slot[S]{source: src, present: true}
	return nil
}

// Remove unregisters the source at fd, calling its Destroy hook first. It
// is safe to call from within that same source's own Input callback
// (self-removal): source is nil at that point (leased out for the
// duration of Input), so Remove falls back to slot.leasedOut to find the
// source to call Destroy on, then deletes the slot outright so wait's
// put-back step sees the map entry gone and leaves it removed.
func (el *EventLoop[S]) Remove(fd int) {
	sl, ok := el.slots[fd]
	if !ok {
		return
	}
	src := sl.source
	if src == nil {
		src = sl.leasedOut
	}
	if src != nil {
		if err := src.Destroy(el); err != nil {
			el.logger.Error().Err(err).Int("fd", fd).Msg("source destroy hook failed")
		}
	}
	_ = unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(el.slots, fd)
}

// Wait blocks up to timeoutMillis (-1 for indefinite) for readiness, then
// drives every ready source. For each ready fd it leases the source out
// of the slot map (leaving a present-but-nil sentinel), calls Input
// without holding any reference into the map, then restores the source
// unless it removed itself during the callback (detected by the sentinel
// having been deleted or replaced).
func (el *EventLoop[S]) Wait(timeoutMillis int) error {
	due := el.timers.fireDue(el)
	effTimeout := timeoutMillis
	if next, ok := el.timers.nextTimeout(); ok {
		if next < effTimeout || effTimeout < 0 {
			effTimeout = next
		}
	}
	if due > 0 {
		effTimeout = 0
	}

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(el.epfd, events, effTimeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		sl, ok := el.slots[fd]
		if !ok || sl.source == nil {
			continue
		}
		src := sl.source
		sl.source = nil // lease the source out of its own slot
		sl.leasedOut = src

		// EPOLLHUP commonly arrives together with EPOLLIN when the peer's
		// final bytes and its orderly shutdown are observed in the same
		// readiness event: still call Input so any data already sitting
		// in the stream's receive buffer gets parsed and dispatched
		// before the source is torn down. EPOLLERR means the descriptor
		// itself is in a bad state, so skip straight to removal.
		erred := events[i].Events&unix.EPOLLERR != 0
		hungUp := events[i].Events&unix.EPOLLHUP != 0
		var inputErr error
		if !erred {
			inputErr = src.Input(el)
		}

		cur, stillPresent := el.slots[fd]
		if !stillPresent || cur != sl {
			// The callback removed itself (and possibly a new source was
			// added on the same fd); nothing to put back.
			continue
		}
		if erred || hungUp || inputErr != nil {
			el.Remove(fd)
			continue
		}
		cur.source = src
		cur.leasedOut = nil
	}
	return nil
}

// Close tears down every remaining source (calling Destroy on each) and
// closes the epoll fd, aggregating every Destroy error with
// hashicorp/go-multierror instead of discarding all but the last one.
func (el *EventLoop[S]) Close() error {
	el.closing = true
	var errs *multierror.Error
	for fd, sl := range el.slots {
		if sl.source != nil {
			if err := sl.source.Destroy(el); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("fd %d: %w", fd, err))
			}
		}
		_ = unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(el.slots, fd)
	}
	if err := unix.Close(el.epfd); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
