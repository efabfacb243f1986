// CLAUDE:SUMMARY vitrine CLI: serve (HTTP + MCP), one-shot ingest, search, stats and MCP over stdio.
// Command vitrine harvests fashion catalogs into a relational store and
// a similarity store, and serves search over both.
//
// Usage:
//
//	vitrine serve -c vitrine.yaml
//	vitrine ingest -c vitrine.yaml --pages 3
//	vitrine search -c vitrine.yaml --text "red midi dress"
//	vitrine search -c vitrine.yaml --image ./query.jpg
//	vitrine stats -c vitrine.yaml
//	vitrine mcp -c vitrine.yaml
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:           "vitrine",
		Short:         "Catalog harvesting and similarity search",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(g.logLevel))
		},
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&g), ingestCmd(&g), searchCmd(&g), statsCmd(&g), mcpCmd(&g))
	return cmd
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
