package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hjson/hjson-go/v4"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"
	"tailscale.com/tsnet"

	"github.com/loppo-llc/sessiond/internal/config"
	"github.com/loppo-llc/sessiond/internal/manager"
	"github.com/loppo-llc/sessiond/internal/mcpserver"
	"github.com/loppo-llc/sessiond/internal/observe"
	"github.com/loppo-llc/sessiond/internal/pipeline"
	"github.com/loppo-llc/sessiond/internal/rpcbridge"
	"github.com/loppo-llc/sessiond/internal/scheduler"
	"github.com/loppo-llc/sessiond/internal/toolhelp"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "sessiond.hjson", "path to the hjson config file")
	local := flag.Bool("local", false, "bind to localhost only (no Tailscale)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("sessiond", version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	mgr, err := manager.New(cfg, manager.Hooks{
		OnCreate:     func(id string) { logger.Info("session created", "id", id) },
		OnAfterClose: func(id string) { logger.Info("session closed", "id", id) },
	}, logger)
	if err != nil {
		logger.Error("failed to construct session manager", "err", err)
		os.Exit(1)
	}

	pipe := pipeline.New(cfg.Defaults.Output, nil)
	sched := scheduler.New(mgr, pipe, cfg.Defaults.IdleTimeout(), cfg.Defaults.HeadlessTimeoutDuration(), logger)

	var help *toolhelp.Cache
	if cfg.Defaults.ToolhelpPath != "" {
		help, err = toolhelp.Load(cfg.Defaults.ToolhelpPath)
		if err != nil {
			logger.Error("failed to load tool-help cache", "err", err)
			os.Exit(1)
		}
		for _, tc := range cfg.Tools {
			if len(tc.HelpCmdTemplate) == 0 {
				continue
			}
			go func(tc config.ToolConfig) {
				refreshCtx, cancel := context.WithTimeout(context.Background(), cfg.Defaults.HeadlessTimeoutDuration())
				defer cancel()
				if _, err := help.Refresh(refreshCtx, tc, cfg.Defaults.WorkDir, cfg.Defaults.HeadlessTimeoutDuration()); err != nil {
					logger.Warn("failed to refresh tool-help cache", "tool", tc.Name, "err", err)
				}
			}(tc)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tsServer *tsnet.Server
	if !*local {
		tsServer = &tsnet.Server{
			Hostname: "sessiond",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		defer tsServer.Close()
	}

	var bridge *rpcbridge.Bridge
	if cfg.RPC.Enabled {
		bridge = rpcbridge.New(cfg.RPC.Host, cfg.RPC.Port, cfg.RPC.Token, sched, mgr, logger)
		ln, err := listen(tsServer, cfg.RPC.Host, cfg.RPC.Port)
		if err != nil {
			logger.Error("failed to listen for rpc bridge", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := bridge.ServeListener(ln); err != nil {
				logger.Error("rpc bridge stopped", "err", err)
			}
		}()
	}

	var mcpHTTP *server.StreamableHTTPServer
	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(mgr, sched, help)
		mcpHTTP = server.NewStreamableHTTPServer(mcpSrv)
		ln, err := listen(tsServer, cfg.MCP.Host, cfg.MCP.Port)
		if err != nil {
			logger.Error("failed to listen for mcp server", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := http.Serve(ln, mcpHTTP); err != nil && err != http.ErrServerClosed {
				logger.Error("mcp server stopped", "err", err)
			}
		}()
		logger.Info("mcp server listening", "addr", ln.Addr().String())
	}

	var obsStore *observe.Store
	var obsServer *http.Server
	if cfg.Observe.Enabled {
		obsStore, err = observe.Open(cfg.Observe.DBPath)
		if err != nil {
			logger.Error("failed to open observability store", "err", err)
			os.Exit(1)
		}
		defer obsStore.Close()

		hub := observe.NewHub(logger)
		ln, err := listen(tsServer, cfg.Observe.Host, cfg.Observe.Port)
		if err != nil {
			logger.Error("failed to listen for observability surface", "err", err)
			os.Exit(1)
		}
		obsServer = &http.Server{Handler: http.HandlerFunc(hub.ServeHTTP)}
		go func() {
			if err := obsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("observability server stopped", "err", err)
			}
		}()
		logger.Info("observability surface listening", "addr", ln.Addr().String())

		sched.SetReporter(observe.NewReporter(obsStore, hub, logger))
	}

	var cronSched *cron.Cron
	if cfg.Sweep.CronSpec != "" {
		cronSched = cron.New()
		_, err := cronSched.AddFunc(cfg.Sweep.CronSpec, func() {
			n := mgr.SweepIdle(cfg.Sweep.MaxAge())
			if n > 0 {
				logger.Info("swept idle sessions", "count", n)
			}
			if help != nil {
				for _, tc := range cfg.Tools {
					if len(tc.HelpCmdTemplate) == 0 {
						continue
					}
					refreshCtx, cancel := context.WithTimeout(context.Background(), cfg.Defaults.HeadlessTimeoutDuration())
					if _, err := help.Refresh(refreshCtx, tc, cfg.Defaults.WorkDir, cfg.Defaults.HeadlessTimeoutDuration()); err != nil {
						logger.Warn("failed to refresh tool-help cache", "tool", tc.Name, "err", err)
					}
					cancel()
				}
			}
		})
		if err != nil {
			logger.Error("invalid sweep cron spec", "spec", cfg.Sweep.CronSpec, "err", err)
			os.Exit(1)
		}
		cronSched.Start()
		defer cronSched.Stop()
	}

	logger.Info("sessiond started", "version", version, "tools", len(cfg.Tools))

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if bridge != nil {
		_ = bridge.Close()
	}
	if mcpHTTP != nil {
		_ = mcpHTTP.Shutdown(shutdownCtx)
	}
	if obsServer != nil {
		_ = obsServer.Shutdown(shutdownCtx)
	}
}

// loadConfig reads and decodes the hjson config file into the typed
// contract the core expects; the core itself never parses a config file.
func loadConfig(path string) (config.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg config.Config
	if err := hjson.Unmarshal(raw, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse hjson config: %w", err)
	}
	return cfg, nil
}

// listen binds host:port either directly (local mode, or an empty
// tsServer) or through the tailnet. Only the direct path falls back on
// port exhaustion by trying successive ports.
func listen(tsServer *tsnet.Server, host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if tsServer == nil {
		return listenWithFallback(host, port, 10)
	}
	return tsServer.Listen("tcp", addr)
}

func listenWithFallback(host string, startPort, maxAttempts int) (net.Listener, error) {
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
