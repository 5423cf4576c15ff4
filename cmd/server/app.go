package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-npa-governance/internal/classification"
	"github.com/pesio-ai/be-npa-governance/internal/client"
	"github.com/pesio-ai/be-npa-governance/internal/config"
	"github.com/pesio-ai/be-npa-governance/internal/database"
	"github.com/pesio-ai/be-npa-governance/internal/handler"
	"github.com/pesio-ai/be-npa-governance/internal/ledger"
	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/metrics"
	"github.com/pesio-ai/be-npa-governance/internal/monitor"
	"github.com/pesio-ai/be-npa-governance/internal/repository"
	"github.com/pesio-ai/be-npa-governance/internal/service"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// app holds the wired service and the resources it owns.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.DB
	nats    *client.NATSClient
	service *service.GovernanceService
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
		LockTimeout: cfg.Database.LockTimeout,
	})
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var store repository.Store
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		store = repository.NewPostgresStore(db)
		log.Info().Msg("Database connection established")
	default:
		store = repository.NewMemoryStore()
		log.Warn().Msg("Using in-memory store; state is lost on restart")
	}

	var bus client.Bus
	if cfg.NATS.URL != "" {
		nc, err := client.NewNATSClient(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.Service.Name)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nats = nc
		bus = nc
		log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS connection established")
	} else {
		log.Info().Msg("NATS_URL not set; notifications disabled")
	}
	publisher := client.NewNotificationPublisher(bus, log)

	collectors := metrics.New(reg)
	machine := workflow.NewMachine(cfg.Policy.WorkflowPolicy())
	sweeper := monitor.NewSweeper(store, machine, cfg.Policy.Monitor, log,
		monitor.WithNotifier(publisher),
		monitor.WithMetrics(collectors),
	)

	a.service = service.NewGovernanceService(
		store,
		classification.NewEngine(cfg.Policy.SignoffMatrix()),
		machine,
		ledger.New(cfg.Policy.LedgerPolicy(), machine),
		sweeper,
		log,
		service.WithNotifier(publisher),
		service.WithMetrics(collectors),
	)
	return a, nil
}

// Close releases the NATS connection and the database pool.
func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger, migrate bool) error {
	log.Info().
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage).
		Msg("Starting NPA governance service")

	a, err := newApp(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate && a.db != nil {
		applied, err := a.db.Migrate(ctx)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", applied).Msg("Migrations complete")
	}

	scheduler, err := monitor.NewScheduler(cfg.Policy.Monitor, a.service.RunEscalationSweep, log.Component("monitor"))
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// HTTP
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/", handler.NewHTTPHandler(a.service, log).Routes())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.RecoveryInterceptor(log),
		handler.ActorInterceptor,
		handler.LoggingInterceptor(log.Component("grpc")),
	))
	handler.RegisterGovernanceServer(grpcServer, handler.NewGRPCHandler(a.service, log))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.GovernanceServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Server error")
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()
	scheduler.Stop(shutdownCtx)

	log.Info().Msg("Server stopped")
	return runErr
}
