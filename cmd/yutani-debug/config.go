package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/yutani/internal/debugserver"
)

// bindAndRun declares yutani-debug's viper bindings (socket/display-name/
// debug, each overridable by WAYLAND_SOCKET_PATH/WAYLAND_DISPLAY/WAYLAND_DEBUG)
// and then runs the debug server. Flags take precedence when explicitly
// set; otherwise viper falls through to the environment, matching
// spec.md §6's configuration contract while keeping the flag parsing
// itself declarative instead of a pile of os.Getenv calls.
func bindAndRun(cmd *cobra.Command, opts *debugserver.Options) error {
	v := viper.New()
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlag("socket", cmd.Flags().Lookup("socket"))
	_ = v.BindPFlag("display-name", cmd.Flags().Lookup("display-name"))
	_ = v.BindPFlag("debug", cmd.Flags().Lookup("debug"))
	_ = v.BindEnv("socket", "WAYLAND_SOCKET_PATH")
	_ = v.BindEnv("display-name", "WAYLAND_DISPLAY")
	_ = v.BindEnv("debug", "WAYLAND_DEBUG")

	opts.SocketPath = v.GetString("socket")
	opts.DisplayName = v.GetString("display-name")
	opts.Debug = v.GetBool("debug")

	return debugserver.Run(*opts)
}
