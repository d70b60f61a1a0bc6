//go:build linux

package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gogpu/yutani/lease"
	"github.com/gogpu/yutani/wire"
)

// ErrNoRuntimeDir is returned by SocketPath when neither $WAYLAND_DISPLAY
// (as an absolute path) nor $XDG_RUNTIME_DIR is set.
var ErrNoRuntimeDir = errors.New("server: XDG_RUNTIME_DIR is not set and WAYLAND_DISPLAY is not absolute")

// SocketPath resolves the listening socket path the way spec.md §6
// mandates: $WAYLAND_DISPLAY if set (absolute, or relative to
// $XDG_RUNTIME_DIR), else $XDG_RUNTIME_DIR/wayland-0, else failure.
// Mirrors the teacher's client-side getSocketPath, bind instead of dial.
func SocketPath() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	display := os.Getenv("WAYLAND_DISPLAY")

	if display != "" {
		if filepath.IsAbs(display) {
			return display, nil
		}
		if runtimeDir == "" {
			return "", ErrNoRuntimeDir
		}
		return filepath.Join(runtimeDir, display), nil
	}

	if runtimeDir == "" {
		return "", ErrNoRuntimeDir
	}
	return filepath.Join(runtimeDir, "wayland-0"), nil
}

// DisplayFactory seeds a newly accepted Client's object table with the
// display object (and anything else the caller wants bound at ID 1,
// such as the client's global registry). It is the server-side analogue
// of spec.md §4.6's "factory closure (EventLoop, Client) -> Resident<Display>".
type DisplayFactory[S any] func(el *EventLoop[S], c *Client[S]) (*lease.Resident, error)

// Listener is a bound Unix-domain socket accepting Wayland client
// connections, per spec.md §4.6.
type Listener struct {
	path    string
	sock    int
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// Listen binds path, retrying a stale-socket cleanup once if the address
// is already in use per spec.md §4.6/§6: probe with a connect attempt; a
// connection refusal means the file is stale (no compositor listening),
// so it is unlinked and bind is retried; a successful connect means the
// address is genuinely occupied and Listen fails.
func Listen(path string, logger zerolog.Logger) (*Listener, error) {
	sock, err := bindUnix(path)
	if err != nil {
		if !errors.Is(err, unix.EADDRINUSE) {
			return nil, err
		}
		if probeConnect(path) {
			return nil, fmt.Errorf("server: socket %s is in use by a running compositor", path)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("server: removing stale socket %s: %w", path, rmErr)
		}
		sock, err = bindUnix(path)
		if err != nil {
			return nil, err
		}
	}

	if err := unix.Listen(sock, 128); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("server: listen on %s: %w", path, err)
	}

	l := &Listener{path: path, sock: sock, logger: logger}
	if w, werr := fsnotify.NewWatcher(); werr == nil {
		if addErr := w.Add(filepath.Dir(path)); addErr == nil {
			l.watcher = w
		} else {
			_ = w.Close()
		}
	}
	return l, nil
}

func bindUnix(path string) (int, error) {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(sock, addr); err != nil {
		_ = unix.Close(sock)
		return -1, err
	}
	return sock, nil
}

// probeConnect reports whether something is actually listening at path.
func probeConnect(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Fd implements Source.
func (l *Listener) Fd() int { return l.sock }

// Accept accepts one pending connection, returning (-1, nil) when none is
// pending. ListenerSource.Input calls it in a loop and hands each socket
// to its ListenerAcceptFunc; it is exposed on Listener because that accept
// function needs the generic parameter S that Listener itself does not
// carry.
func (l *Listener) Accept() (int, error) {
	fd, _, err := unix.Accept4(l.sock, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return -1, nil
		}
		return -1, err
	}
	return fd, nil
}

// Destroy closes the listening socket, its fsnotify watcher, and unlinks
// the socket file.
func (l *Listener) Destroy() error {
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	err := unix.Close(l.sock)
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		if err == nil {
			err = rmErr
		}
	}
	return err
}

// WatchEvents exposes the fsnotify watcher's event channel so a caller can
// register it as a custom EventLoop source and notice the socket's lock
// file (or directory) disappearing out from under a running listener —
// nil if no watcher could be created (e.g. the directory was removed
// between Listen's bind and its fsnotify.Add).
func (l *Listener) WatchEvents() <-chan fsnotify.Event {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Events
}

// ListenerSource adapts a Listener plus a typed ListenerAcceptFunc into a
// Source[S], so EventLoop.Add can drive accept() the same way it drives
// any other source.
type ListenerSource[S any] struct {
	*Listener
	Factory ListenerAcceptFunc[S]
}

// ListenerAcceptFunc is called once per accepted connection; it should
// construct and register a *Client[S] with the event loop.
type ListenerAcceptFunc[S any] func(el *EventLoop[S], sock int) error

// Input implements Source: it accepts every currently-pending connection
// (accept4 is non-blocking, so it drains until EAGAIN) and hands each raw
// socket to Factory.
func (s *ListenerSource[S]) Input(el *EventLoop[S]) error {
	for {
		sock, err := s.Accept()
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		if sock < 0 {
			return nil
		}
		if err := s.Factory(el, sock); err != nil {
			_ = unix.Close(sock)
			s.logger.Error().Err(err).Msg("failed to register accepted client")
		}
	}
}

// Destroy implements Source.
func (s *ListenerSource[S]) Destroy(el *EventLoop[S]) error {
	return s.Listener.Destroy()
}
