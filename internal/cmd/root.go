// Package cmd implements the autopilot CLI.
package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zmidi/autopilot/internal/config"
	"github.com/zmidi/autopilot/internal/log"
)

var (
	flagConfig   string
	flagDebug    bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autonomous analysis pipeline for a terminal AI assistant",
	Long: `autopilot drives a terminal-based AI coding assistant through a
file-mailbox handshake. It dispatches one analysis task at a time,
watches for confirmation prompts and stuck sessions, protects source
files from modification, and checkpoints progress so interrupted runs
resume without repeating finished work.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command under the given context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default autopilot.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig builds the effective configuration from defaults, the
// config file, environment overrides, and global flags, and installs
// the session logger.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		// Pick up a project-local config file when present.
		if _, err := os.Stat("autopilot.yaml"); err == nil {
			path = "autopilot.yaml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logCfg := log.DefaultConfig()
	logCfg.Level = log.ParseLevel(cfg.LogLevel)
	log.SetDefaultLogger(log.New(logCfg))
	return cfg, nil
}

// resolve anchors a relative path at the project root.
func resolve(cfg *config.Config, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.ProjectRoot, path)
}
