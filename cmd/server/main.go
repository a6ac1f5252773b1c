// @title           neurodeploy platform API
// @version         1.0.0
// @description     Account, model registry, model API key and usage log management for tenant ML model endpoints
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Bearer token from /sign-up or /sign-in. The access-key and secret-key headers are accepted instead."
//
// @tag.name         System
// @tag.description  Health and readiness endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the management and proxy listeners. Configure the port with NDP_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the platform binary. It dispatches four
// subcommands (serve, worker, migrate and version) via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place. serve
// runs the management API and the execution proxy; worker consumes the task
// queue. serve runs auto-migration on startup so freshly deployed containers
// never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/neurodeploy/platform/internal/api"
	"github.com/neurodeploy/platform/internal/auth"
	awscloud "github.com/neurodeploy/platform/internal/cloud/aws"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/jobs"
	"github.com/neurodeploy/platform/internal/middleware"
	"github.com/neurodeploy/platform/internal/provisioning"
	"github.com/neurodeploy/platform/internal/proxy"
	"github.com/neurodeploy/platform/internal/queue"
	"github.com/neurodeploy/platform/internal/safego"
	"github.com/neurodeploy/platform/internal/services"
	"github.com/neurodeploy/platform/internal/storage"
	"github.com/neurodeploy/platform/internal/telemetry"

	// Storage backends register themselves with storage.Register
	_ "github.com/neurodeploy/platform/internal/storage/azure"
	_ "github.com/neurodeploy/platform/internal/storage/gcs"
	_ "github.com/neurodeploy/platform/internal/storage/local"
	_ "github.com/neurodeploy/platform/internal/storage/s3"
)

const (
	version = "0.1.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "worker":
		return worker(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("neurodeploy platform v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, worker, migrate, version", command)
	}
}

func setup(cfg *config.Config) {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

func connect(ctx context.Context, cfg *config.Config) (*repositoriesSet, func(), error) {
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), db.PoolOptions{
		MaxConnections:     cfg.Database.MaxConnections,
		MinIdleConnections: cfg.Database.MinIdleConnections,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)
	telemetry.StartDBStatsCollector(database.DB)

	repos := &repositoriesSet{
		db:          database,
		users:       repositories.NewUserRepository(database),
		credentials: repositories.NewCredentialRepository(database),
		records:     repositories.NewProvisioningRepository(database),
		models:      repositories.NewModelRepository(database),
		modelKeys:   repositories.NewModelAPIKeyRepository(database),
		usage:       repositories.NewUsageRepository(database),
	}
	return repos, func() { database.Close() }, nil
}

// repositoriesSet holds one repository per table
type repositoriesSet struct {
	db          *sqlx.DB
	users       *repositories.UserRepository
	credentials *repositories.CredentialRepository
	records     *repositories.ProvisioningRepository
	models      *repositories.ModelRepository
	modelKeys   *repositories.ModelAPIKeyRepository
	usage       *repositories.UsageRepository
}

func serve(cfg *config.Config, configPath string) error {
	setup(cfg)
	ctx := context.Background()

	secrets, err := auth.LoadSigningSecrets(cfg.Auth.JWTSecrets)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	tokens, err := auth.NewTokenIssuer(secrets, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	repos, closeDB, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := db.RunMigrations(repos.db, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logMigrationVersion(repos.db)

	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open object stores: %w", err)
	}

	awsCfg, err := awscloud.LoadConfig(ctx, &cfg.AWS)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	tasks := queue.NewClient(cfg.Redis, cfg.Queue)
	defer tasks.Close()

	accounts := services.NewAccountService(repos.users, repos.credentials, repos.records, repos.models, repos.modelKeys, tasks, tokens, cfg)
	registry := services.NewRegistry(repos.models, repos.modelKeys, stores.Staging, stores.Models, cfg.Storage.UploadURLTTL)
	usage := services.NewUsageService(repos.usage, stores.Logs, cfg.Storage.DownloadURLTTL)

	router, bgServices := api.NewRouter(api.Deps{
		Config:   cfg,
		DB:       repos.db,
		Accounts: accounts,
		Models:   registry,
		Usage:    usage,
		Guard:    auth.NewGuard(tokens, repos.credentials),
		Users:    repos.users,
		Staged:   tasks,
		Stores:   stores,
		Reaper:   jobs.NewReaper(repos.credentials, repos.modelKeys, cfg.Jobs.ReaperInterval),
	})

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	proxyMiddleware := []gin.HandlerFunc{middleware.RequestID(), middleware.AccessLog(), middleware.Metrics()}
	if perSecond := cfg.Security.RateLimiting.ProxyRequestsPerSecond; cfg.Security.RateLimiting.Enabled && perSecond > 0 {
		proxyMiddleware = append(proxyMiddleware, middleware.ModelRateLimit(redis_rate.NewLimiter(rdb), perSecond))
	}
	proxySvc := proxy.NewService(repos.models, repos.modelKeys, repos.usage, stores.Logs, awscloud.NewExecutor(awsCfg), cfg.Proxy)
	proxyRouter := proxy.NewRouter(proxy.NewHandler(proxySvc, cfg.Proxy.MaxBodyBytes), proxyMiddleware...)

	watched, err := config.Watch(configPath, func(next *config.Config) {
		secrets, err := auth.LoadSigningSecrets(next.Auth.JWTSecrets)
		if err == nil {
			err = tokens.SetSecrets(secrets)
		}
		if err != nil {
			slog.Warn("keeping previous bearer token secrets", "error", err)
			return
		}
		slog.Info("bearer token secrets reloaded", "count", len(secrets))
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else if watched {
		slog.Info("watching config file for secret rotation")
	}

	startMetricsServer(cfg)

	servers := []*http.Server{
		{
			Addr:         cfg.Server.GetAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		{
			Addr:         cfg.Proxy.GetAddress(),
			Handler:      proxyRouter,
			ReadTimeout:  cfg.Proxy.ReadTimeout,
			WriteTimeout: cfg.Proxy.WriteTimeout,
		},
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		safego.Go("http:"+srv.Addr, func() {
			slog.Info("starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		})
	}
	slog.Info("platform is ready", "management", cfg.Server.GetAddress(), "proxy", cfg.Proxy.GetAddress(), "base_url", cfg.Server.BaseURL)

	var runErr error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case runErr = <-errCh:
		slog.Error("server failed", "error", runErr)
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "addr", srv.Addr, "error", err)
		}
	}

	// Stop background jobs and rate limiter goroutines
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return runErr
}

func worker(cfg *config.Config) error {
	setup(cfg)
	ctx := context.Background()

	repos, closeDB, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open object stores: %w", err)
	}

	awsCfg, err := awscloud.LoadConfig(ctx, &cfg.AWS)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	provisioner := provisioning.New(
		awscloud.NewCertificateAuthority(awsCfg),
		awscloud.NewDNSProvider(awsCfg, cfg.Domain.HostedZoneID),
		awscloud.NewEndpointProvider(awsCfg, cfg.Provisioning.StageName),
		repos.records,
		cfg.Provisioning,
	)
	registry := services.NewRegistry(repos.models, repos.modelKeys, stores.Staging, stores.Models, cfg.Storage.UploadURLTTL)
	handlers := queue.NewHandlers(provisioner, registry)

	startMetricsServer(cfg)

	srv := queue.NewServer(cfg.Redis, cfg.Queue)
	if err := srv.Start(handlers.Mux()); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	slog.Info("queue worker started", "concurrency", cfg.Queue.Concurrency, "redis", cfg.Redis.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("stopping queue worker")
	srv.Shutdown()
	slog.Info("queue worker stopped")
	return nil
}

// startMetricsServer serves /metrics on a dedicated port so it is not
// reachable through the public ingress paths
func startMetricsServer(cfg *config.Config) {
	if !cfg.Telemetry.Metrics.Enabled {
		return
	}
	metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
	safego.Go("metrics", func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	})
}

func logMigrationVersion(database *sqlx.DB) {
	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		slog.Warn("could not read migration version", "error", err)
		return
	}
	slog.Info("database schema ready", "version", schemaVersion, "dirty", dirty)
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), db.PoolOptions{
		MaxConnections:     cfg.Database.MaxConnections,
		MinIdleConnections: cfg.Database.MinIdleConnections,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	logMigrationVersion(database)
	return nil
}
