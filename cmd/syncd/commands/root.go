// Package commands wires the syncd CLI: the server daemon, the relay
// daemon, one-shot maintenance, and token administration.
package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Commit-log synchronization server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(tokenCmd)
}

// setupLogging configures the default slog handler from format/level flags.
func setupLogging(format, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// stringFlag returns the flag value when changed, else the fallback.
func stringFlag(flags *pflag.FlagSet, name, fallback string) string {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		return v
	}
	return fallback
}
