package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/mark3labs/mcp-go/server"

	"github.com/providentiaww/remote-mcp-server/internal/config"
	"github.com/providentiaww/remote-mcp-server/internal/logsource"
	"github.com/providentiaww/remote-mcp-server/internal/tools"
	"github.com/providentiaww/remote-mcp-server/internal/warehouse"
)

func main() {
	// stdout carries the protocol, so logs go to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("service", "mcp-stdio")
	slog.SetDefault(logger)

	ctx := context.Background()
	config.LoadEnv(ctx, "../../.env", logger)

	var source logsource.Source = logsource.NewMock(0)
	if url := os.Getenv("LOGS_AMQP_URL"); url != "" {
		remote, err := logsource.DialAMQP(url, os.Getenv("LOGS_AMQP_QUEUE"), 0, logger)
		if err != nil {
			logger.Error("failed to connect to log service", "error", err)
			os.Exit(1)
		}
		defer remote.Close()
		source = remote
	}

	var wh warehouse.Warehouse
	chCfg, err := config.LoadClickHouse()
	if err != nil {
		logger.Error("invalid clickhouse configuration", "error", err)
		os.Exit(1)
	}
	if chCfg.Enabled() {
		ch, err := warehouse.Open(chCfg.Warehouse(), logger)
		if err != nil {
			logger.Error("failed to open clickhouse", "error", err)
			os.Exit(1)
		}
		defer ch.Close()
		wh = ch
	}

	maxTokens, _ := strconv.Atoi(os.Getenv("MAX_TOKEN_SINGLE_CALL"))
	registry := tools.NewRegistry(tools.Options{
		ServerURL:   os.Getenv("SERVER_URL"),
		LogsFormURL: os.Getenv("LOGS_FORM_URL"),
		MaxTokens:   maxTokens,
		Logs:        source,
		Warehouse:   wh,
		Logger:      logger,
	})
	if err := server.ServeStdio(registry.NewServer()); err != nil {
		logger.Error("stdio server stopped", "error", err)
		os.Exit(1)
	}
}
