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

	"github.com/redis/go-redis/v9"

	"restpipe/internal/api"
	"restpipe/internal/auth"
	"restpipe/internal/config"
	"restpipe/internal/logger"
	"restpipe/internal/models"
	"restpipe/internal/observability"
	"restpipe/internal/permission"
	"restpipe/internal/storage"
	"restpipe/internal/throttle"
	"restpipe/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("generate-config", "", "Write an example configuration to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	ctx := context.Background()

	otelProvider, err := observability.Setup(ctx, cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	store, err := storage.NewFactory().Create(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err, "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	// Wrap storage with instrumentation if metrics or tracing are on
	if cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(store)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			os.Exit(1)
		}
		store = instrumented
	}

	if err := seedBootstrapKey(ctx, store, cfg); err != nil {
		slog.Error("Failed to seed bootstrap key", "error", err)
		os.Exit(1)
	}

	authenticators, err := auth.FromConfig(cfg.Security, store)
	if err != nil {
		slog.Error("Failed to configure authenticators", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Throttle.Enabled && cfg.Throttle.Backend == models.ThrottleBackendRedis {
		redisClient = throttle.NewRedisClient(cfg.Throttle.Redis)
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Warn("Redis unreachable at startup; throttled requests will fail until it recovers",
				"error", err, "addr", cfg.Throttle.Redis.Addr)
		}
	}
	limiter, err := throttle.FromConfig(cfg.Throttle, redisClient)
	if err != nil {
		slog.Error("Failed to configure throttling", "error", err)
		os.Exit(1)
	}
	defer limiter.Close()

	var policy permission.Check
	if cfg.Policy.Enabled {
		rego, err := permission.LoadRego(ctx, cfg.Policy.Path, cfg.Policy.Query)
		if err != nil {
			slog.Error("Failed to load policy", "error", err, "path", cfg.Policy.Path)
			os.Exit(1)
		}
		policy = rego
		slog.Info("Policy loaded", "path", cfg.Policy.Path, "query", cfg.Policy.Query)
	}

	var routeOpts []api.RouteOption
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	handler, err := api.NewHandler(api.Options{
		Config:         cfg,
		Store:          store,
		Authenticators: authenticators,
		Throttle:       limiter,
		Policy:         policy,
		Version:        ver,
		Logger:         log,
	}, routeOpts...)
	if err != nil {
		slog.Error("Failed to build HTTP handler", "error", err)
		os.Exit(1)
	}

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"version", ver.Version,
			"storage", cfg.Storage.Type,
			"authenticators", cfg.Security.Authenticators,
			"throttle", cfg.Throttle.Enabled,
		)

		var err error
		if cfg.Server.TLSEnabled {
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// seedBootstrapKey inserts the configured bootstrap key with admin rights if
// it does not already exist. It is a no-op when BootstrapKey is empty.
func seedBootstrapKey(ctx context.Context, store storage.Storage, cfg *models.Config) error {
	raw := cfg.Security.BootstrapKey
	if raw == "" {
		return nil
	}
	_, err := store.GetAPIKeyByHash(ctx, models.HashAPIKey(raw))
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("look up bootstrap key: %w", err)
	}
	key := models.NewAPIKey(models.NewID(), "bootstrap", raw, []string{models.PermissionAdmin})
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("seed bootstrap key: %w", err)
	}
	slog.Info("Bootstrap API key seeded", "id", key.ID, "prefix", key.Prefix)
	return nil
}
