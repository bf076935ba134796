// Command governord runs the plugin resource governor daemon
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"plugin-governor/internal/api"
	"plugin-governor/internal/config"
	"plugin-governor/internal/di"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (watched for policy changes)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "governord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLoggerWithWriter(cfg.LogLevel(), cfg.LogFormat(), os.Stdout)
	m := metrics.New(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := di.NewContainer(ctx, cfg, logger, m)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}
	defer func() {
		if err := c.Shutdown(); err != nil {
			logging.LogError(logger, "Shutdown finished with errors", err)
		}
	}()
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start governor: %w", err)
	}

	stream := websocket.NewServer(newStreamConfig(cfg), logger)
	if err := stream.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = stream.Stop() }()

	bridge := api.NewEventBridge(stream, c.Lifecycle, c.Monitor)
	defer func() { _ = bridge.Close() }()

	router, err := api.NewRouter(cfg, c.HandlerDependencies(), stream, m, logger)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Plugin governor listening", "addr", httpServer.Addr, "pools", len(c.Manager.Pools()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// The parent context is already cancelled here
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx) //nolint:contextcheck
	})
	if configPath != "" {
		watcher := config.NewPolicyWatcher(configPath, config.DefaultDebounce, logger, func(next *config.Config) {
			if err := c.ApplyPolicy(next); err != nil {
				logging.LogError(logger, "Rejected policy reload", err, "path", configPath)
			}
		})
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				// Losing hot reload is not fatal
				logging.LogError(logger, "Policy watcher stopped", err, "path", configPath)
			}
			return nil
		})
	}

	return g.Wait()
}

func newStreamConfig(cfg *config.Config) *websocket.ServerConfig {
	sc := websocket.DefaultServerConfig()
	sc.MaxConnections = cfg.API.MaxStreamClients
	sc.AllowedOrigins = cfg.API.AllowedOrigins
	return sc
}
