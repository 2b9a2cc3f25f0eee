package main

import (
	"fmt"
	"strings"

	"github.com/jpalmerr/feedwatch/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the instance.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a feedwatch configuration file without starting an instance.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  feedwatch validate -c config.yaml
  FEEDWATCH_CONFIG=/etc/feedwatch/config.yaml feedwatch validate`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store := cfg.Store.Driver
	switch cfg.Store.Driver {
	case config.DriverBadger:
		store += " (" + cfg.Store.Path + ")"
	case config.DriverPostgres:
		store += " (dsn set)"
	}

	entities := "none (kept from the store)"
	if len(cfg.Entities) > 0 {
		entities = strings.Join(cfg.Entities, ", ")
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:      %d\n", cfg.Port)
	fmt.Printf("  Forum:     %s\n", cfg.Forum.URL)
	fmt.Printf("  Entities:  %s\n", entities)
	fmt.Printf("  Transport: %s\n", cfg.Bus.Transport)
	fmt.Printf("  Store:     %s\n", store)

	return nil
}
