// Package cmd implements the CLI commands for tabtuner.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tabtuner/tabtuner/internal/config"
	"github.com/tabtuner/tabtuner/internal/observability"
	"github.com/tabtuner/tabtuner/internal/version"
)

// cfgFile holds the config file path from the CLI flag. cfg is the
// loaded configuration, populated before any command runs.
var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tabtuner",
	Short:   "Live TV tuner backed by headless browser tabs",
	Version: version.Short(),
	Long: `tabtuner captures live video from web players in headless Chromium tabs
and re-serves it as HLS playlists and MPEG-TS streams.

It emulates an HDHomeRun network tuner, so PVR backends like Plex,
Jellyfin, and Channels DVR can record the configured channels as if
they came from broadcast hardware.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// PersistentPreRunE is set here to avoid an initialization cycle
	// (initConfig references rootCmd.PersistentFlags).
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}

	// Global flags.
	// These flags are NOT bound to viper. initConfig checks Changed() and
	// only then overrides the loaded values, preserving the priority:
	// CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, $HOME/.tabtuner, /etc/tabtuner)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// stringFlag returns the flag's value and whether the user set it
// explicitly. Unset flags must not override env or config values.
func stringFlag(fs *pflag.FlagSet, name string) (string, bool) {
	if !fs.Changed(name) {
		return "", false
	}
	v, _ := fs.GetString(name)
	return v, true
}

// intFlag is stringFlag for integer flags.
func intFlag(fs *pflag.FlagSet, name string) (int, bool) {
	if !fs.Changed(name) {
		return 0, false
	}
	v, _ := fs.GetInt(name)
	return v, true
}

// initConfig loads configuration from file and environment and installs
// the process logger. Runs before every command.
func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if level, ok := stringFlag(rootCmd.PersistentFlags(), "log-level"); ok {
		level = strings.ToLower(level)
		// "warning" is a common spelling of "warn".
		if level == "warning" {
			level = "warn"
		}
		loaded.Logging.Level = level
	}
	if format, ok := stringFlag(rootCmd.PersistentFlags(), "log-format"); ok {
		loaded.Logging.Format = strings.ToLower(format)
	}

	logger := observability.NewLoggerWithWriter(loaded.Logging, os.Stderr)
	observability.SetDefault(logger)

	cfg = loaded
	return nil
}
