// Package main implements the launchpad CLI: instance management, process
// lifecycle, dependency probing, log access and backup/restore for locally
// hosted application instances.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	cfgFile string
	baseDir string

	rootCmd = &cobra.Command{
		Use:   "launchpad",
		Short: "Manage locally hosted application instances",
		Long: `launchpad creates, runs and backs up instances of a
locally hosted application. Each instance is an isolated data directory
with its own environment, log history and lifecycle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			// Diagnostics go to stderr; stdout is for command output.
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <base-dir>/config.{toml,yaml,json})")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "base directory for instances, logs and backups (default is the working directory)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(setEnvCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(backupsCmd)
}

// Execute runs the root command with a context that ends on SIGINT or
// SIGTERM, so follows and installs shut down cleanly.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
