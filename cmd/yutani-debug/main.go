// Command yutani-debug boots a Listener against a scratch or configured
// socket path and traces traffic to stderr when --debug (or
// WAYLAND_DEBUG=1) is set. It stands in for the example compositor
// spec.md §1 places out of scope: enough of a binary to exercise the
// core end to end, nothing resembling a real window manager.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/yutani/internal/debugserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts debugserver.Options

	cmd := &cobra.Command{
		Use:   "yutani-debug",
		Short: "Run a minimal Wayland compositor core for protocol debugging",
		Long: `yutani-debug boots the compositor runtime's listener against a real
or scratch Wayland socket, advertises wl_shm and wl_compositor, and logs
every dispatched request when tracing is enabled. It exists to exercise
the reactor core end to end, not as a usable window manager.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bindAndRun(cmd, &opts)
		},
	}

	cmd.Flags().StringVar(&opts.SocketPath, "socket", "", "socket path to bind (overrides $WAYLAND_DISPLAY/$XDG_RUNTIME_DIR discovery)")
	cmd.Flags().StringVar(&opts.DisplayName, "display-name", "", "WAYLAND_DISPLAY value to bind under a scratch $XDG_RUNTIME_DIR")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "trace every dispatched message to stderr")

	return cmd
}
