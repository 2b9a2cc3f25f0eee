// Package main is the entry point for the feedwatch CLI.
//
// feedwatch can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	feedwatch serve -c config.yaml    # Join the group and serve the API
//	feedwatch validate -c config.yaml # Validate configuration
//	feedwatch version                 # Show version info
//
// Flags can also be given as FEEDWATCH_* environment variables, for example
// FEEDWATCH_CONFIG or FEEDWATCH_LOG_LEVEL.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const envPrefix = "FEEDWATCH"

// settings resolves flag values, falling back to FEEDWATCH_* variables.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log-level", "info")
	return v
}

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "feedwatch",
	Short: "Cooperative forum activity watcher",
	Long: `feedwatch watches the public activity of a list of forum users.

Any number of instances can run side by side. They elect one leader which
polls the forum on an adaptive schedule and shares the results, so the forum
sees a single poller no matter how many instances are open.

Quick start:
  1. Create a config file (feedwatch.yaml)
  2. Run: feedwatch serve -c feedwatch.yaml
  3. Open http://localhost:8080/api/snapshot

Example config:
  forum:
    url: https://meta.discourse.org
  entities: [alice, bob]
  bus:
    transport: multicast`,
	SilenceUsage: true,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this feedwatch binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("feedwatch %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (or FEEDWATCH_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	_ = settings.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = settings.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}

// configPath returns the config file named by --config or FEEDWATCH_CONFIG.
func configPath() (string, error) {
	path := settings.GetString("config")
	if path == "" {
		return "", fmt.Errorf("a config file is required (--config or %s_CONFIG)", envPrefix)
	}
	return path, nil
}

// newLogger creates a JSON logger for CLI use.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(settings.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}
