package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/api"
	"github.com/khainguyen105/waitlistdup-sub001/internal/app"
	"github.com/khainguyen105/waitlistdup-sub001/internal/config"
	"github.com/khainguyen105/waitlistdup-sub001/internal/ledger"
	"github.com/khainguyen105/waitlistdup-sub001/internal/logging"
	"github.com/khainguyen105/waitlistdup-sub001/internal/snapshot"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/pingrant"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/rabbitmq"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/ratelimit"
)

func maskURLForLog(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Info("no .env file found, using environment variables")
	}
	for _, w := range cfg.Warnings {
		logger.Warn("config coerced", zap.String("detail", w))
	}

	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; redis features disabled", zap.Error(parseErr))
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; redis features disabled", zap.Error(pingErr))
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				logger.Info("redis connected", zap.String("url", maskURLForLog(cfg.RedisURL)))
			}
		}
	}

	memoryUsers := store.NewMemoryUserDirectory()
	var (
		users     store.UserDirectory     = memoryUsers
		writer    store.CredentialWriter  = memoryUsers
		locations store.LocationDirectory = store.NewMemoryLocationDirectory()
		snapshots store.SnapshotStore     = store.NewMemorySnapshotStore()
	)

	if cfg.DatabaseURL != "" {
		dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("unable to parse database URL", zap.Error(err))
		}
		dbConfig.MaxConns = 10
		dbConfig.MinConns = 2
		dbConfig.MaxConnLifetime = 30 * time.Minute
		dbConfig.MaxConnIdleTime = 5 * time.Minute
		dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
		if err != nil {
			logger.Fatal("unable to connect to database", zap.Error(err))
		}
		defer dbpool.Close()
		logger.Info("database connection established")

		if err := store.EnsureSchema(ctx, dbpool); err != nil {
			logger.Warn("failed ensuring tables (may already exist)", zap.Error(err))
		}

		pgUsers := store.NewPostgresUserDirectory(dbpool)
		users, writer = pgUsers, pgUsers
		locations = store.NewPostgresLocationDirectory(dbpool)
		if cfg.StateBackend == config.BackendPostgres {
			snapshots = store.NewPostgresSnapshotStore(dbpool)
		}
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory user and location directories")
	}

	if cfg.StateBackend == config.BackendRedis {
		if redisClient == nil {
			logger.Fatal("STATE_BACKEND=redis but redis is unavailable")
		}
		snapshots = store.NewRedisSnapshotStore(redisClient, "waitlist:state", 0)
	}
	logger.Info("state backend selected", zap.String("backend", cfg.StateBackend))

	logger.Info("rabbitmq configuration", zap.String("url", maskURLForLog(cfg.RabbitMQURL)))
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger.Named("rabbitmq")}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger.Named("rabbitmq")); err == nil {
			publisher = producer
			defer producer.Close()
			logger.Info("rabbitmq producer connected")
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", zap.Error(err))
		}
	}
	events := app.NewEventPublisher(publisher, cfg.SecurityEventsExchange, cfg.ActionEventsExchange, 256, logger.Named("events"))
	defer events.Close()

	securityLedger := ledger.New(
		ledger.WithSettings(cfg.SecuritySettings()),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithEventSink(events),
	)
	checkpointer := snapshot.NewCheckpointer(snapshots, time.Now)

	if cfg.BootstrapAdminUsername != "" {
		created, err := app.SeedAdmin(ctx, securityLedger, writer, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword)
		switch {
		case err != nil:
			logger.Error("failed to seed bootstrap admin", zap.Error(err))
		case created:
			logger.Info("bootstrap admin created", zap.String("username", cfg.BootstrapAdminUsername))
		}
	}

	registry := app.NewClientRegistry(app.RegistryDeps{
		Ledger:        securityLedger,
		Users:         users,
		Locations:     locations,
		Checkpointer:  checkpointer,
		Events:        events,
		MaxPinStrikes: cfg.MaxPinStrikes,
		Logger:        logger,
	})

	jobs := app.NewJobs(registry, securityLedger, checkpointer, logger.Named("jobs"))
	restoreCtx, cancelRestore := context.WithTimeout(ctx, 10*time.Second)
	if _, err := jobs.RestoreLedger(restoreCtx); err != nil {
		logger.Warn("failed to restore security ledger; starting empty", zap.Error(err))
	}
	cancelRestore()

	scheduler := app.NewScheduler(jobs, logger.Named("scheduler"), cfg)
	scheduler.Start()

	var loginLimiter ratelimit.Limiter
	if redisClient != nil {
		loginLimiter = ratelimit.NewRedisLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.LoginRateLimitPerMinute, time.Minute)
	} else {
		loginLimiter = ratelimit.NewMemoryLimiter(cfg.LoginRateLimitPerMinute, time.Minute, nil)
	}

	grants := pingrant.NewIssuer(cfg.PinGrantSigningKey, time.Duration(cfg.PinGrantTTLMinutes)*time.Minute, nil)
	if grants == nil {
		logger.Warn("PIN_GRANT_SIGNING_KEY not set; pin grants disabled")
	}

	handler := api.NewHandler(registry, securityLedger, events, grants, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins(),
		LoginLimiter:   loginLimiter,
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger.Named("api"),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("auth service listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	<-scheduler.Stop().Done()

	if err := jobs.SaveLedger(shutdownCtx); err != nil {
		logger.Error("failed to checkpoint ledger at shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
