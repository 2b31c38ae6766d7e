// Turnd is the conversation turn daemon.
//
// It serves the turn engine over HTTP and runs the background reviews of
// every conversation.
//
// Configuration is loaded from an optional YAML file overlaid with TURND_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	turnd
//
//	# Use a config file and override the port
//	TURND_SERVER_HTTP_PORT=9090 turnd -config ~/.config/turnd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/turnd/internal/cache"
	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/fyrsmithlabs/turnd/internal/evaluation"
	"github.com/fyrsmithlabs/turnd/internal/events"
	httpserver "github.com/fyrsmithlabs/turnd/internal/http"
	"github.com/fyrsmithlabs/turnd/internal/jobs"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/orchestrator"
	"github.com/fyrsmithlabs/turnd/internal/store"
	"github.com/fyrsmithlabs/turnd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/turnd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  turnd [-config path]   Start the turnd daemon\n")
			fmt.Fprintf(os.Stderr, "  turnd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("turnd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and blocks until ctx is cancelled:
//  1. Telemetry and logger
//  2. Session store and technique catalog
//  3. Oracle backend and event publisher
//  4. Turn engine with its job workers
//  5. HTTP server, shut down gracefully on cancellation
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting turnd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("oracle_provider", cfg.Oracle.Provider),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(logger)

	engine, err := orchestrator.New(orchestrator.OptionsFromConfig(cfg.Engine), orchestrator.Deps{
		Store:   deps.store,
		Oracle:  deps.oracle,
		Catalog: deps.catalog,
		Cache:   cache.New(cfg.Cache.TTL.Duration(), cfg.Cache.MaxEntries, cache.WithMetrics(cache.NewMetrics())),
		Pool:    evaluation.NewPool(cfg.Engine.PoolSize),
		Events:  deps.events,
		Logger:  logger,
		Jobs: jobs.Options{
			Workers:   cfg.Jobs.Workers,
			QueueSize: cfg.Jobs.QueueSize,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := httpserver.NewServer(engine, deps.store, logger, &httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		HistoryLimit: cfg.Engine.HistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown incomplete", zap.Error(err))
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "background jobs abandoned", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// dependencies holds the infrastructure the engine runs on.
type dependencies struct {
	store   store.Store
	oracle  oracle.Oracle
	catalog *catalog.Catalog
	events  events.Publisher
}

// Close releases all infrastructure resources.
func (d *dependencies) Close(logger *logging.Logger) {
	ctx := context.Background()
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			logger.Warn(ctx, "close event publisher", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn(ctx, "close store", zap.Error(err))
		}
	}
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// initDependencies opens the store, loads the catalog, builds the oracle
// and connects the event publisher when enabled.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	deps := &dependencies{store: st}

	deps.catalog = catalog.Default()
	if cfg.Catalog.Path != "" {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			deps.Close(logger)
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		deps.catalog = cat
	}
	logger.Info(ctx, "catalog loaded",
		zap.String("path", cfg.Catalog.Path),
		zap.Int("modules", len(deps.catalog.List())))

	o, err := oracle.New(ctx, cfg.Oracle, logger)
	if err != nil {
		deps.Close(logger)
		return nil, fmt.Errorf("failed to create oracle: %w", err)
	}
	deps.oracle = o
	logger.Info(ctx, "oracle ready",
		zap.String("provider", cfg.Oracle.Provider),
		zap.String("model", cfg.Oracle.Model),
		logging.Secret("api_key", cfg.Oracle.APIKey))

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			deps.Close(logger)
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.URL, err)
		}
		deps.events = pub
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Events.URL))
	} else {
		deps.events = events.Nop{}
	}

	return deps, nil
}
