package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/feedwatch"
	"github.com/jpalmerr/feedwatch/config"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd joins the group and serves the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the group and serve the API",
	Long: `Start a feedwatch instance.

The instance will:
  - Load configuration from the specified YAML file
  - Join the group on the configured bus and take part in the election
  - Poll the forum while it is the leader
  - Serve the replicated view on the configured port

The instance runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  feedwatch serve -c config.yaml
  FEEDWATCH_PORT=8081 feedwatch serve --config /etc/feedwatch/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "HTTP port, overrides the config file")
	serveCmd.Flags().String("instance-id", "", "instance id, overrides the config file")
	_ = settings.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = settings.BindPFlag("instance-id", serveCmd.Flags().Lookup("instance-id"))
}

// serveOptions turns the loaded config and any overrides into SDK options.
func serveOptions(cfg *config.Config, logger *slog.Logger) []feedwatch.Option {
	opts := config.Build(cfg)
	if port := settings.GetInt("port"); port != 0 {
		opts = append(opts, feedwatch.WithPort(port))
	}
	if id := settings.GetString("instance-id"); id != "" {
		opts = append(opts, feedwatch.WithInstanceID(id))
	}
	return append(opts,
		feedwatch.WithLogger(logger),
		feedwatch.WithRoleChangeCallback(func(from, to feedwatch.Role) {
			logger.Info("role changed", "from", from, "to", to)
		}),
		feedwatch.WithNewActionCallback(func(a feedwatch.Activity) {
			logger.Info("new activity",
				"entity", a.Entity,
				"kind", a.Kind,
				"link", a.Link,
			)
		}),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"forum", cfg.Forum.URL,
		"entities", len(cfg.Entities),
		"transport", cfg.Bus.Transport,
		"store", cfg.Store.Driver,
	)

	fw, err := feedwatch.New(serveOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("failed to create feedwatch: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start instance - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- fw.Start(ctx)
	}()

	// wait for the instance to finish
	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
