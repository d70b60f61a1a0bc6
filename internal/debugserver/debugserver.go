//go:build linux

// Package debugserver wires the reactor core (server, wlproto) into a
// runnable listener for cmd/yutani-debug. It is kept separate from main
// so the wiring itself — socket resolution, global registration, signal
// handling — can be exercised without going through cobra/viper.
package debugserver

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gogpu/yutani/server"
	"github.com/gogpu/yutani/wlproto"
)

// Options configures a debug server run.
type Options struct {
	// SocketPath overrides WAYLAND_DISPLAY/XDG_RUNTIME_DIR discovery
	// entirely when set.
	SocketPath string
	// DisplayName, when SocketPath is empty and $XDG_RUNTIME_DIR is
	// unset, is bound under a freshly created scratch runtime directory
	// (a common compositor-test convenience) instead of failing.
	DisplayName string
	// Debug enables per-message tracing to stderr.
	Debug bool
}

// state is the per-event-loop user value every Client[state] and
// EventLoop[state] carries; yutani-debug needs none of its own, but the
// type parameter still has to be something concrete to instantiate the
// generic reactor core against.
type state struct{}

// Run resolves the socket path, binds a Listener advertising wl_shm and
// wl_compositor, and drives the event loop until SIGINT/SIGTERM.
func Run(opts Options) error {
	logger := newLogger(opts.Debug)

	path, err := resolveSocketPath(opts)
	if err != nil {
		return fmt.Errorf("debugserver: %w", err)
	}

	el, err := server.NewEventLoop[*state](&state{}, logger)
	if err != nil {
		return fmt.Errorf("debugserver: %w", err)
	}
	defer func() {
		if cerr := el.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("event loop close")
		}
	}()

	listener, err := server.Listen(path, logger)
	if err != nil {
		return fmt.Errorf("debugserver: %w", err)
	}

	src := &server.ListenerSource[*state]{
		Listener: listener,
		Factory:  acceptClient(logger, opts.Debug),
	}
	if err := el.Add(src); err != nil {
		return fmt.Errorf("debugserver: %w", err)
	}

	logger.Info().Str("socket", path).Msg("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var done atomic.Bool
	go func() {
		<-sigCh
		done.Store(true)
	}()

	for !done.Load() {
		if err := el.Wait(1000); err != nil {
			return fmt.Errorf("debugserver: %w", err)
		}
	}
	return nil
}

// acceptClient builds the ListenerAcceptFunc that seeds every newly
// accepted connection with the display object plus the wl_shm/
// wl_compositor bootstrap globals, per spec.md §4.6 and §8 scenario 1.
func acceptClient(logger zerolog.Logger, debug bool) server.ListenerAcceptFunc[*state] {
	return func(el *server.EventLoop[*state], sock int) error {
		c := server.NewClient[*state](sock, logger, debug)
		if _, err := wlproto.SeedDisplay[*state](el, c); err != nil {
			return err
		}
		c.RegisterGlobal(wlproto.NewShmGlobal[*state]())
		c.RegisterGlobal(wlproto.NewCompositorGlobal[*state]())
		return el.Add(c)
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// resolveSocketPath honours an explicit --socket override, falls back to
// spec.md §6's WAYLAND_DISPLAY/XDG_RUNTIME_DIR discovery, and — a
// compositor-test convenience absent from the core spec — creates a
// scratch $XDG_RUNTIME_DIR under which to bind DisplayName when neither
// is otherwise resolvable.
func resolveSocketPath(opts Options) (string, error) {
	if opts.SocketPath != "" {
		return opts.SocketPath, nil
	}
	if path, err := server.SocketPath(); err == nil {
		return path, nil
	}

	name := opts.DisplayName
	if name == "" {
		name = "wayland-0"
	}
	scratch := filepath.Join(os.TempDir(), "yutani-debug-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return "", fmt.Errorf("creating scratch runtime dir: %w", err)
	}
	if err := os.Setenv("XDG_RUNTIME_DIR", scratch); err != nil {
		return "", err
	}
	return filepath.Join(scratch, name), nil
}
