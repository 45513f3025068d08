package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aymnn34/calls/internal/logging"
	"github.com/aymnn34/calls/internal/ui"
	"github.com/aymnn34/calls/internal/version"
)

var (
	flagLogLevel string
	flagLogFile  string
)

var rootCmd = &cobra.Command{
	Use:   "calls",
	Short: "Two-party video calls over WebRTC",
	Long: `calls joins a named room on a signaling server and connects directly to
the other participant with WebRTC. Audio and video travel peer to peer;
the server only relays the negotiation.`,
	Version:       version.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// newLogger builds the client logger. Logs stay quiet by default so they
// do not fight the terminal view; --log-file sends them elsewhere.
func newLogger() (*slog.Logger, func(), error) {
	level := logging.ParseLevel(flagLogLevel, slog.LevelError)
	if flagLogLevel == "" {
		level = logging.ParseLevel(os.Getenv("LOG_LEVEL"), slog.LevelError)
	}

	var w io.Writer = os.Stderr
	closer := func() {}
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closer = func() { f.Close() }
	}

	logger, err := logging.New(level, "text", w)
	if err != nil {
		closer()
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL, else error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")
}
