package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fosgate/api"
	"fosgate/config"
	"fosgate/db"
	qhttp "fosgate/http"
	"fosgate/logging"
	"fosgate/manager"
	"fosgate/monitoring"
	"fosgate/rpc"
	"fosgate/scoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	// 1. Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logger
	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	// api reports per-value parse fallbacks through the global logger
	defer zap.ReplaceGlobals(logger)()

	if err := run(cfg, *configPath, logger, level); err != nil {
		logger.Error("gateway stopped with errors", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig falls back to the defaults when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		return config.Default(), nil
	}
	return cfg, err
}

// gateway holds everything started by run, in start order.
type gateway struct {
	logger  *zap.Logger
	store   *db.HeaderStore
	manager *manager.Manager
	scorer  api.Scorer
	hub     *monitoring.Hub
	scoring *scoring.Server
	control *qhttp.Server
}

func run(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := start(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		go func() {
			if err := config.Watch(ctx, configPath, level, logger.Named("config")); err != nil {
				logger.Warn("config watch disabled", zap.Error(err))
			}
		}()
	}

	errc := make(chan error, 2)
	go func() {
		if err := g.scoring.ListenAndServe(cfg.ScoringAddr()); err != nil {
			errc <- fmt.Errorf("scoring endpoint: %w", err)
		}
	}()
	go func() {
		if err := g.control.Start(); err != nil {
			errc <- fmt.Errorf("control plane: %w", err)
		}
	}()
	logger.Info("gateway started",
		zap.String("scoring", cfg.ScoringAddr()),
		zap.String("control", cfg.RegistryAddr()),
		zap.Bool("embedded_registry", cfg.EmbeddedRegistry),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		logger.Error("endpoint failed, shutting down", zap.Error(runErr))
	}
	return multierr.Append(runErr, g.shutdown(cfg.Timeouts.Shutdown))
}

func start(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gateway, error) {
	g := &gateway{logger: logger}

	store, err := db.Open(filepath.Join(cfg.HeaderLocation, db.HeaderFile))
	if err != nil {
		return nil, fmt.Errorf("open header store: %w", err)
	}
	g.store = store

	g.hub = monitoring.NewHub(logger.Named("events"))
	go g.hub.Start()

	g.manager, err = manager.New(
		manager.WithLogger(logger.Named("manager")),
		manager.WithStore(store),
		manager.WithModelDir(cfg.HeaderLocation),
		manager.WithEvents(g.hub),
		manager.WithCacheSize(cfg.CacheSize),
	)
	if err != nil {
		store.Close()
		g.hub.Stop()
		return nil, err
	}
	if err := g.manager.Restore(ctx); err != nil {
		// models that failed to load stay inactive; the rest serve
		logger.Warn("some stored models were not restored", zap.Error(err))
	}

	g.scorer, err = g.manager.GetScorer(ctx)
	if err != nil {
		g.manager.Close()
		g.hub.Stop()
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	g.scoring = scoring.NewServer(g.scorer,
		scoring.WithWorkers(cfg.ThreadPoolSize),
		scoring.WithMetrics(metrics),
		scoring.WithServerLogger(logger.Named("scoring")),
	)

	httpConfig := qhttp.DefaultServerConfig()
	httpConfig.Addr = cfg.RegistryAddr()
	httpConfig.Timeout = cfg.Timeouts.Request
	if cfg.EmbeddedRegistry {
		httpConfig.Registry = registry(cfg)
	}
	g.control = qhttp.NewServer(httpConfig, qhttp.Deps{
		Manager: g.manager,
		Metrics: metrics,
		Hub:     g.hub,
		Logger:  logger.Named("http"),
	})
	return g, nil
}

// registry lists where each remote object is bound.
func registry(cfg *config.Config) map[string]string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return map[string]string{
		"FOSManager": fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprint(cfg.RegistryPort)), rpc.Path),
		"FOSScorer":  net.JoinHostPort(host, fmt.Sprint(cfg.ScoringPort)),
	}
}

// shutdown unbinds the control plane, then the scoring endpoint, then closes
// the scorer and the manager. Every step runs even if an earlier one failed.
func (g *gateway) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"control plane", func() error { return g.control.Stop(ctx) }},
		{"scoring endpoint", g.scoring.Close},
		{"scorer", g.scorer.Close},
		{"manager", g.manager.Close},
	}
	var errs error
	for _, step := range steps {
		if err := step.fn(); err != nil {
			g.logger.Warn("shutdown step failed", zap.String("step", step.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		g.logger.Info("shutdown step done", zap.String("step", step.name))
	}
	g.hub.Stop()
	return errs
}
