package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juev/hledger-cache/internal/config"
	"github.com/juev/hledger-cache/internal/invalidation"
	"github.com/juev/hledger-cache/internal/logging"
	"github.com/juev/hledger-cache/internal/metrics"
	"github.com/juev/hledger-cache/internal/store"
	"github.com/juev/hledger-cache/internal/watcher"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to daemon configuration file")
		envPrefix  = flag.String("env-prefix", "LEDGERCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	if cfg.Cache.EnableCompression || cfg.Cache.EnablePersistence {
		logger.Info("accepted storage flags without effect",
			slog.Bool("compression", cfg.Cache.EnableCompression),
			slog.Bool("persistence", cfg.Cache.EnablePersistence))
	}

	maxAge := cfg.Cache.MaxAge()
	if maxAge <= 0 {
		maxAge = cfg.Invalidation.MaxCacheAge()
	}

	stores, err := buildStores(cfg.Cache, maxAge, logger, recorder)
	if err != nil {
		logger.Error("store construction failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()

	fileWatcher := watcher.New(watcher.Config{
		Patterns:        cfg.Watcher.Patterns,
		ExcludePatterns: cfg.Watcher.ExcludePatterns,
		Debounce:        cfg.Watcher.Debounce(),
		MaxEvents:       cfg.Watcher.MaxEvents,
		Recursive:       cfg.Watcher.EnableRecursive,
	}, logger, recorder)

	manager := invalidation.NewManager(logger, recorder, fileWatcher)
	for _, s := range stores {
		manager.RegisterCache(s)
	}
	if err := manager.Initialize(ctx, invalidation.ManagerConfig{
		Debounce:                cfg.Invalidation.Debounce(),
		MaxBatchSize:            cfg.Invalidation.MaxBatchSize,
		EnableSmartInvalidation: cfg.Invalidation.EnableSmartInvalidation,
		EnableCascading:         cfg.Invalidation.EnableCascading,
		MaxCacheAge:             cfg.Invalidation.MaxCacheAge(),
	}); err != nil {
		logger.Error("manager initialization failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		manager.Dispose(disposeCtx)
	}()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown failed", slog.Any("error", err))
			}
		}()
		logger.Info("metrics listening", slog.String("address", cfg.Metrics.Address))
	}

	logger.Info("daemon running")
	<-ctx.Done()
	logger.Info("daemon shutting down")
}

// buildStores constructs the per-artifact caches the ledger tooling consumes:
// parsed journals and the account/payee scans derived from them.
func buildStores(cfg config.CacheConfig, maxAge time.Duration, logger *slog.Logger, recorder *metrics.Recorder) ([]*store.Store[any], error) {
	names := []string{"journals", "scans"}
	stores := make([]*store.Store[any], 0, len(names))
	for _, name := range names {
		s, err := store.New(store.Config[any]{
			Name:              name,
			MaxSize:           cfg.MaxSize,
			MaxAge:            maxAge,
			EnableCompression: cfg.EnableCompression,
			EnablePersistence: cfg.EnablePersistence,
			ValidatorExpr:     cfg.Validator,
		}, logger, recorder)
		if err != nil {
			for _, built := range stores {
				built.Close()
			}
			return nil, err
		}
		stores = append(stores, s)
	}
	return stores, nil
}
