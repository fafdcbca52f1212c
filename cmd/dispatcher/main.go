// Package main provides the CLI entry point for the dispatcher service.
//
// dispatcher routes conversational turns across configured crews, streaming
// assistant responses over Server-Sent Events while a secondary extraction
// pass collects structured fields in the background.
//
// # Basic Usage
//
// Start the server:
//
//	dispatcher serve --config dispatcher.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dispatcher",
		Short:        "dispatcher - conversational crew dispatch service",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "dispatcher.yaml", "path to the YAML config file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCrewCmd(),
	)

	return rootCmd
}

var configPath string
