package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tether/pkg/api"
	"github.com/platinummonkey/tether/pkg/async"
	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/config"
	"github.com/platinummonkey/tether/pkg/observability"
	"github.com/platinummonkey/tether/pkg/registry"
	"github.com/platinummonkey/tether/pkg/storage/postgres"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	inventoryTimeout      = 30 * time.Second
	replicaHealthInterval = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Observability.OTel.ServiceVersion == "dev" {
		cfg.Observability.OTel.ServiceVersion = version
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(observability.WithLogger(context.Background(), logger))
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	logger.WithField("type", cfg.Storage.Type).Info("schema store ready")

	defaultPolicy, err := cfg.Registry.DefaultPolicy()
	if err != nil {
		return err
	}
	evaluator := compatibility.NewEvaluator(compatibility.NewComparators(
		compatibility.WithLenientTypes(cfg.Registry.LenientTypes),
		compatibility.WithDocumentCacheSize(cfg.Registry.DocumentCacheSize),
	))

	regOpts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithRegistrationTimeout(cfg.Registry.RegistrationTimeout),
		registry.WithMaxConflictRetries(cfg.Registry.MaxConflictRetries),
		registry.WithDefaultPolicy(defaultPolicy),
	}
	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}

	promRegistry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(promRegistry)
		regOpts = append(regOpts, registry.WithMetrics(metrics))
		apiOpts = append(apiOpts, api.WithMetrics(metrics))
	}
	if cfg.Observability.OTel.Enabled {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return fmt.Errorf("failed to create otel metrics: %w", err)
		}
		regOpts = append(regOpts, registry.WithOTelMetrics(otelMetrics))
	}

	svc := registry.New(store, evaluator, regOpts...)
	apiServer := api.NewServer(svc, apiOpts...)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on their own port
	health := observability.NewHealthChecker(version)
	health.AddCheck("store", store.HealthCheck)
	opsRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(opsRouter, health)
	if metrics != nil {
		opsRouter.Handle("/metrics", observability.MetricsHandler(promRegistry)).Methods(http.MethodGet)
	}
	opsServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     opsRouter,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	pgStore, _ := store.(*postgres.SchemaStore)
	if pgStore != nil {
		pgStore.StartReplicaHealthChecks(ctx, replicaHealthInterval)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Observability.InventorySchedule, func() {
		async.SafeGo(ctx, inventoryTimeout, "inventory refresh", func(ctx context.Context) error {
			if pgStore != nil && metrics != nil {
				metrics.UpdateDBStats(pgStore.ConnectionStats().Primary)
			}
			_, err := svc.RefreshInventory(ctx)
			return err
		})
	}); err != nil {
		return fmt.Errorf("invalid inventory schedule %q: %w", cfg.Observability.InventorySchedule, err)
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(opsServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return store.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	serveErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		go func() {
			defer observability.RecoverPanic(logger, name)
			logger.WithField("addr", srv.Addr).Infof("%s listening", name)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}
	serve("api server", httpServer)
	serve("ops server", opsServer)

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-serveErr:
		return errors.Join(err, shutdownErr)
	default:
		return shutdownErr
	}
}
