package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	apiPkg "github.com/relay-gw/relay/internal/api"
	"github.com/relay-gw/relay/internal/config"
	"github.com/relay-gw/relay/internal/gateway"
	"github.com/relay-gw/relay/internal/logbuf"
	"github.com/relay-gw/relay/internal/mcp"
	"github.com/relay-gw/relay/internal/tool"
	"github.com/relay-gw/relay/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "Path to config YAML file (omit to use RELAY_* env vars)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("relayd starting", "providers", len(cfg.Providers), "fallback", cfg.Fallback)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Usage ledger
	os.MkdirAll(cfg.DataDir, 0o755)
	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		logger.Error("failed to open usage store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. Built-in tools
	tools := tool.NewRegistry()
	tools.Register(&tool.WebFetchTool{})
	if cfg.Tools.BraveAPIKey != "" {
		tools.Register(&tool.WebSearchTool{APIKey: cfg.Tools.BraveAPIKey})
	}

	// 3. Tool servers
	mgr := mcp.NewManager(logger.With("component", "mcp"))
	if len(cfg.MCP) > 0 {
		servers := make([]mcp.ServerConfig, len(cfg.MCP))
		for i, s := range cfg.MCP {
			servers[i] = mcp.ServerConfig{
				Name:      s.Name,
				Transport: s.Transport,
				Command:   s.Command,
				Args:      s.Args,
				Env:       s.Env,
				URL:       s.URL,
				Headers:   s.Headers,
			}
		}
		// Broken servers are skipped, not fatal.
		if err := mgr.Connect(ctx, servers); err != nil {
			logger.Warn("some mcp servers failed to connect", "error", err)
		}
	}

	// 4. Gateway
	gw, err := gateway.New(gateway.Options{
		Config: cfg,
		Logger: logger,
		Usage:  store,
		MCP:    mgr,
		Tools:  tools,
	})
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	// 5. API server
	apiSrv := apiPkg.NewServer(gw, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 6. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("relayd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
