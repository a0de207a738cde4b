package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stepguard/stepguard/internal/config"
	"github.com/stepguard/stepguard/internal/infra"
	"github.com/stepguard/stepguard/internal/logging"
	"github.com/stepguard/stepguard/internal/rekognition"
	"github.com/stepguard/stepguard/internal/routes"
	"github.com/stepguard/stepguard/internal/server"
	"github.com/stepguard/stepguard/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	if cfg.JWTSecret == "" {
		// Only reachable in development; tokens die with the process.
		cfg.JWTSecret = uuid.NewString() + uuid.NewString()
		logger.Warn("JWT_SECRET not set, using an ephemeral secret")
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: cfg.AppName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("shutdown telemetry", "error", err)
		}
	}()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, users kept in memory")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set, sessions and liveness claims kept in memory")
	}

	bio, err := awsBiometrics(ctx, cfg, logger)
	if err != nil {
		logger.Error("configure face provider", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger, Biometrics: bio})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

func awsBiometrics(ctx context.Context, cfg config.Config, logger *slog.Logger) (routes.Biometrics, error) {
	awsCfg, err := infra.NewAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return routes.Biometrics{}, err
	}
	client := rekognition.NewClient(awsCfg)
	return routes.Biometrics{
		Matcher: rekognition.NewMatcher(client, cfg.StepUp.ProviderTimeout, logger),
		Liveness: rekognition.NewLiveness(client, rekognition.LivenessOptions{
			AuditImagesLimit: cfg.Liveness.AuditImagesLimit,
			S3Bucket:         cfg.Liveness.S3Bucket,
			S3KeyPrefix:      cfg.Liveness.S3KeyPrefix,
			Timeout:          cfg.StepUp.ProviderTimeout,
		}),
		Issuer: rekognition.NewCredentials(awsCfg, cfg.StepUp.ProviderTimeout),
	}, nil
}
