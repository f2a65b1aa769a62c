package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zboralski/vhook/internal/config"
	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/ui/colorize"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vhook",
		Short: "Priority-ordered hook chains over emulated ARM64 libraries",
		Long: `vhook loads an ARM64 ELF library into an emulator and routes its imported
functions and C++ virtual methods through hook chains.

Imports dispatch through Go stubs; virtual methods named in a gamedata file
(or resolved from the binary's vtables) get their slot patched with a
trampoline while a subscriber is registered. Subscribers are JavaScript
plugins loaded from a directory:

  vhook.hook("malloc", "high", function(chain, size) {
      vhook.log("malloc", size);
      return chain.next(size);
  });

Examples:
  vhook run libgame.so --plugins ./plugins --entry JNI_OnLoad
  vhook slots libgame.so CPlayer
  vhook offsets gamedata/offsets.yml --os windows
  vhook info libgame.so`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./vhook.yaml or ~/.config/vhook/vhook.yaml)")
	pf.Bool("debug", false, "debug logging")
	pf.Bool("no-color", false, "disable colors")
	pf.String("gamedata", "", "offsets file mapping Class::Method to slot indices")
	pf.String("os", "", "gamedata key: linux or windows (default: host)")

	rootCmd.AddCommand(newRunCmd(), newSlotsCmd(), newInfoCmd(), newOffsetsCmd())
	return rootCmd
}

// loadConfig resolves the configuration once flags are parsed, then sets up
// logging and colors.
func loadConfig(cmd *cobra.Command, v *viper.Viper) error {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = c
	glog.Init(cfg.Debug)
	colorize.SetDisabled(cfg.NoColor)
	if used := config.Used(v); used != "" {
		glog.L.Debug("config loaded: " + used)
	}
	return nil
}
