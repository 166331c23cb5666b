package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/providentiaww/remote-mcp-server/internal/config"
)

const ServiceVersion = "v1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	opts := serveOptions{}

	root := &cobra.Command{
		Use:          "mcp-server",
		Short:        "Remote MCP server with an OAuth proxy in front of an upstream identity provider",
		Version:      ServiceVersion,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, envFile, opts)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "../../.env", "path of the .env file to load (ENV_FILE_PATH wins)")
	addServeFlags(root, &opts)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, envFile, opts)
		},
	}
	addServeFlags(serve, &opts)

	root.AddCommand(serve, newClientsCmd(&envFile), newTokensCmd(&envFile))
	return root
}

// bootstrap loads secrets and .env files, parses the configuration and
// builds the process logger.
func bootstrap(ctx context.Context, envFile string) (*config.Config, *slog.Logger, error) {
	config.LoadEnv(ctx, envFile, slog.Default())

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger emits JSON in production and text in development unless
// LOG_FORMAT says otherwise.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	format := strings.ToLower(cfg.LogFormat)
	if format == "" {
		format = "json"
		if cfg.Development() {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}
