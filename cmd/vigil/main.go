// CLAUDE:SUMMARY CLI entry point for vigil — watch daemon with REST API and optional MCP stdio transport.
// Command vigil is the watch daemon. It opens (or launches) a Chrome
// instance, restores persisted watches, and serves a REST API; with -mcp
// it also exposes the tool surface on stdio.
//
// Usage:
//
//	vigil -config vigil.yaml
//	vigil -db vigil.db -http :8787
//	vigil -config vigil.yaml -mcp      # REST + MCP on stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigil/dbopen"
	"github.com/hazyhaar/vigil/shield"
	"github.com/hazyhaar/vigil/vigil"
)

func main() {
	configPath := flag.String("config", "", "path to vigil.yaml config file")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	httpAddr := flag.String("http", "", "REST listen address (overrides config)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools on stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *httpAddr, *mcpStdio); err != nil {
		logger.Error("vigil: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, httpAddr string, mcpStdio bool) error {
	cfg := &vigil.Config{}
	if configPath != "" {
		loaded, err := vigil.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	dsn := cfg.DBPath
	if dsn == "" {
		dsn = ":memory:"
		logger.Warn("vigil: no db_path configured, state will not survive restarts")
	}
	db, err := dbopen.Open(dsn, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	// Browser.
	br, err := vigil.OpenBrowser(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer br.Close()

	sink := vigil.NewSinksFromConfig(cfg, logger)
	svc, err := vigil.New(db, br.Driver(), cfg, logger, vigil.WithSink(sink))
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	defer svc.Close()

	br.Route(svc)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("service start: %w", err)
	}

	// Optional MCP on stdio.
	if mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "vigil", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		go func() {
			logger.Info("vigil: MCP stdio starting")
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("vigil: MCP stdio", "error", err)
			}
		}()
	}

	// REST.
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(shield.DefaultRateLimit(), "/health") {
		r.Use(mw)
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	svc.RegisterHTTP(r)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Info("vigil: http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("vigil: http", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("vigil: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("vigil: http shutdown", "error", err)
	}
	return nil
}
