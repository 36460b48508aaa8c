package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framedoubler",
		Short: "FrameDoubler - Desktop capture with frame interpolation",
		Long: `FrameDoubler captures a region of the desktop and presents it at twice
the capture rate by inserting an interpolated frame between every pair of
captured frames.

Features:
  • X11 damage-driven capture with screenshot and synthetic fallbacks
  • Two-slot surface ring with fence-ordered interpolation
  • Latency-paced presentation of interpolated frames
  • Letterboxed output with cursor and HUD overlays
  • MJPEG stream and native X11 window outputs
  • REST and WebSocket API for stats and control`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framedoubler/config.yaml)")
	rootCmd.PersistentFlags().Int("port", -1, "API server port, 0 disables the server (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
