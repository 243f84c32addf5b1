// Package main provides the entry point for the memtrace CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/memtrace/cmd/memtrace/commands"
	"github.com/corvid-labs/memtrace/internal/config"
	"github.com/corvid-labs/memtrace/internal/telemetry"
	"github.com/corvid-labs/memtrace/pkg/version"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{}

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = version.Version

	providers, err := telemetry.Init(telCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: telemetry: %v\n", err)
		os.Exit(1)
	}

	defer func() { _ = providers.Shutdown(context.Background()) }()

	commands.StartMemoryWatchdog(ctx, providers.Logger, commands.LastDroppedEvents)

	rootCmd := &cobra.Command{
		Use:   "memtrace",
		Short: "memtrace - runtime allocation tracking trace export",
		Long: `memtrace reads binary allocation traces produced by an embedded
memtrace tracker and exports them to JSON analysis artifacts.

Commands:
  export    Export a trace to the five JSON analysis artifacts
  stat      Print summary statistics for a trace file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			*cfg = *loaded

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(commands.NewExportCommand(cfg))
	rootCmd.AddCommand(commands.NewStatCommand())
	rootCmd.AddCommand(versionCmd())

	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "memtrace %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
