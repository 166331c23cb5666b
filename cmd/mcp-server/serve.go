package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/providentiaww/remote-mcp-server/cmd/mcp-server/auth"
	"github.com/providentiaww/remote-mcp-server/cmd/mcp-server/handlers"
	oauthserver "github.com/providentiaww/remote-mcp-server/cmd/mcp-server/oauth"
	"github.com/providentiaww/remote-mcp-server/internal/config"
	"github.com/providentiaww/remote-mcp-server/internal/logsource"
	"github.com/providentiaww/remote-mcp-server/internal/oauth"
	"github.com/providentiaww/remote-mcp-server/internal/tools"
	"github.com/providentiaww/remote-mcp-server/internal/warehouse"
	"github.com/providentiaww/remote-mcp-server/pkg/mcp"
)

type serveOptions struct {
	port   int
	strict bool
}

func addServeFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().IntVar(&opts.port, "port", 3000, "listen port (overrides MCP_PORT)")
	cmd.Flags().BoolVar(&opts.strict, "oauth-strict", false, "require RFC 8707 resource indicators (overrides OAUTH_STRICT_RESOURCE)")
}

func runServe(cmd *cobra.Command, envFile string, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := bootstrap(ctx, envFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = opts.port
	}
	if cmd.Flags().Changed("oauth-strict") {
		cfg.StrictResource = opts.strict
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app owns every long-lived dependency of the server process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *oauth.Store
	provider *oauth.Provider
	logs     logsource.Source
	closers  []func() error
	sessions *mcp.Manager
	handler  http.Handler
	server   *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := oauth.OpenStore(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening oauth store: %w", err)
	}
	a.store = store

	keys, err := oauth.LoadKeyManager(cfg.PrivateKeyPEM, cfg.PrivateKeyPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	if keys != nil {
		logger.Info("oauth state signing enabled", "kid", keys.KID())
	}

	root := cfg.RootURL()
	upstream := oauth.NewUpstream(cfg.UpstreamOAuth(), root+"/callback")
	a.provider = oauth.NewProvider(cfg.OAuth(), store, store, upstream, oauth.NewStateCodec(keys, 0), logger)

	if cfg.LogsAMQPURL != "" {
		source, err := logsource.DialAMQP(cfg.LogsAMQPURL, cfg.LogsQueue, cfg.LogsRPCTimeout, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connecting log service: %w", err)
		}
		a.logs = source
		a.closers = append(a.closers, source.Close)
	} else {
		a.logs = logsource.NewMock(uint64(time.Now().UnixNano()))
	}

	var wh warehouse.Warehouse
	if cfg.ClickHouse.Enabled() {
		ch, err := warehouse.Open(cfg.ClickHouse.Warehouse(), logger)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("opening clickhouse: %w", err)
		}
		if err := ch.Ping(ctx); err != nil {
			logger.Warn("clickhouse is not reachable yet", "error", err)
		}
		a.closers = append(a.closers, ch.Close)
		wh = ch
	}

	registry := tools.NewRegistry(tools.Options{
		ServerURL:   root,
		LogsFormURL: cfg.LogsFormURL,
		MaxTokens:   cfg.MaxTokenSingleCall,
		Logs:        a.logs,
		Warehouse:   wh,
		Logger:      logger,
	})
	a.sessions = mcp.NewManager(registry.NewServer, logger, mcp.Options{
		KeepAlive:      cfg.KeepAlive,
		EventRetention: cfg.EventRetention,
		Development:    cfg.Development(),
	})

	a.handler = a.routes(registry)
	return a, nil
}

// closeAll releases what newApp opened so far.
func (a *app) closeAll() {
	for _, closeFn := range a.closers {
		_ = closeFn()
	}
	_ = a.store.Close()
}

func (a *app) verifier() auth.Verifier {
	if a.cfg.VerifyMode == config.VerifyIntrospection {
		return auth.NewIntrospectionVerifier(a.cfg.RootURL()+"/introspect", a.cfg.MCPURL(), a.cfg.StrictResource, time.Minute)
	}
	return a.provider
}

func (a *app) routes(registry *tools.Registry) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(a.store, a.logger)
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)

	oauthserver.NewServer(a.provider, a.logger).Register(mux)

	// Bearer auth guards /mcp and /api outside development
	guard := func(next http.HandlerFunc) http.HandlerFunc { return next }
	if !a.cfg.Development() {
		mw := auth.NewMiddleware(a.verifier(), oauth.ProtectedResourceMetadataURL(a.cfg.MCPURL()), nil, a.logger)
		guard = mw.HandlerFunc
	} else {
		a.logger.Warn("development mode: bearer authentication disabled")
	}

	mux.Handle("/mcp", guard(a.sessions.ServeHTTP))
	mux.HandleFunc("/api/tools/{name}", guard(handlers.NewRestToolHandler(registry, a.logger).HandleToolRequest))
	handlers.NewLogsHandler(a.logs, a.logger).Register(mux, guard)

	return accessLog(a.logger, cors(mux))
}

func (a *app) run(ctx context.Context) error {
	go a.provider.RunCleanup(ctx)

	a.server = &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server",
			"port", a.cfg.Port,
			"mcp", a.cfg.MCPURL(),
			"issuer", a.cfg.RootURL(),
			"verify_mode", a.cfg.VerifyMode,
			"strict_resource", a.cfg.StrictResource,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("server failed", "error", serveErr)
		}
	}

	return errors.Join(serveErr, a.shutdown())
}

// shutdown stops accepting requests, closes sessions, runs a final expiry
// sweep and closes the store.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	// Open GET streams only end once their sessions close
	stopped := make(chan error, 1)
	go func() { stopped <- a.server.Shutdown(ctx) }()
	if err := a.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	if err := <-stopped; err != nil {
		errs = append(errs, fmt.Errorf("stopping http server: %w", err))
	}
	if _, err := a.provider.Cleanup(ctx); err != nil {
		a.logger.Error("final cleanup failed", "error", err)
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	a.logger.Info("server stopped")
	return errors.Join(errs...)
}
