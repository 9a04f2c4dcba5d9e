package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/silviot/agentcall/pkg/config"
)

var (
	configPath string
	logLevel   string
	version    = "dev"

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentcall",
	Short: "Voice calls with a conversational agent",
	Long: `agentcall joins a real-time media room with a voice agent, streams the
microphone to it and prints the conversation as it happens.

Quick Start:
  agentcall login --email you@example.com   # Sign in (required before calls)
  agentcall call                            # Talk to the agent, Ctrl-C to leave
  agentcall serve                           # Run the HTTP control API
  agentcall transcripts                     # List saved conversations`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		cfg = loaded
		// call prints the conversation on stdout
		out := io.Writer(os.Stdout)
		if cmd.Name() == "call" {
			out = os.Stderr
		}
		logger = setupLogger(cfg.LogLevel, out)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENTCALL_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(loginCmd, callCmd, serveCmd, transcriptsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger creates a structured logger
func setupLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}
