package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stepguard/stepguard/internal/auth"
	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/config"
	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/liveness"
	"github.com/stepguard/stepguard/internal/middleware"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/operation"
	"github.com/stepguard/stepguard/internal/session"
	"github.com/stepguard/stepguard/internal/stepup"
	"github.com/stepguard/stepguard/internal/telemetry"
)

// Biometrics groups the face provider capabilities.
type Biometrics struct {
	Matcher  biometric.FaceMatcher
	Liveness biometric.LivenessProvider
	Issuer   biometric.CredentialIssuer
}

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg        config.Config
	DB         *pgxpool.Pool
	Cache      *redis.Client
	Logger     *slog.Logger
	Biometrics Biometrics
}

// Setup configures middlewares and all application routes. The returned
// function releases stores opened during wiring.
func Setup(app *fiber.App, d Deps) (func() error, error) {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Biometrics.Matcher == nil || d.Biometrics.Liveness == nil || d.Biometrics.Issuer == nil {
		return nil, fmt.Errorf("face matcher, liveness provider and credential issuer are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(telemetry.Middleware())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	// Stores
	var sessions session.Store
	var claims liveness.ClaimStore
	if d.Cache != nil {
		sessions = session.NewRedisStore(d.Cache, d.Cfg.SessionTTL)
		claims = liveness.NewRedisClaims(d.Cache)
	} else {
		sessions = session.NewMemoryStore()
		claims = liveness.NewMemoryClaims()
	}

	var identityRepo identity.Repository
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
	}

	enrollmentRepo, closeEnrollments, err := openEnrollments(d)
	if err != nil {
		return nil, err
	}

	// Services and handlers
	notifier := notification.NewLoggerNotifier(d.Logger)
	guard := liveness.NewGuard(d.Biometrics.Liveness, claims, liveness.Options{
		ClaimTTL:  d.Cfg.Liveness.ClaimTTL,
		ResultTTL: d.Cfg.Liveness.ResultTTL,
		Wait:      d.Cfg.Liveness.Wait,
		Timeout:   d.Cfg.StepUp.ProviderTimeout,
	}, d.Logger)
	starter := liveness.NewStarter(d.Biometrics.Liveness, d.Biometrics.Issuer, guard,
		d.Cfg.AWS.Region, d.Cfg.Liveness.CredentialsTTL, d.Cfg.Liveness.S3Bucket != "")

	identitySvc := identity.NewService(identityRepo)
	enrollmentSvc := enrollment.NewService(enrollmentRepo, d.Biometrics.Matcher, guard, starter, sessions, notifier, enrollment.Config{
		CollectionID:      d.Cfg.StepUp.CollectionID,
		LivenessThreshold: d.Cfg.StepUp.LivenessMatchThreshold,
		MaxImageBytes:     d.Cfg.Enrollment.MaxImage,
	}, d.Logger)

	arbiter := stepup.NewArbiter(d.Biometrics.Matcher, guard, stepup.Policy{
		ImageMatchThreshold:    d.Cfg.StepUp.ImageMatchThreshold,
		LivenessMatchThreshold: d.Cfg.StepUp.LivenessMatchThreshold,
		CollectionID:           d.Cfg.StepUp.CollectionID,
	}, d.Cfg.StepUp.ProviderTimeout)
	gate := stepup.NewGate(stepup.GateDeps{
		Trust:       stepup.NewTrustWindow(sessions, d.Cfg.StepUp.TrustWindow),
		Arbiter:     arbiter,
		Intercepts:  stepup.NewInterceptStore(sessions, d.Cfg.StepUp.SensitiveKeys, d.Cfg.StepUp.HomeURL),
		Enrollments: enrollmentRepo,
		Sessions:    sessions,
		Liveness:    starter,
		Notifier:    notifier,
		Logger:      d.Logger,
	})

	signer := auth.NewSigner(d.Cfg.JWTSecret, d.Cfg.AppName, d.Cfg.AccessTokenTTL)
	authSvc := auth.NewService(identitySvc, signer, sessions, enrollmentRepo)

	if d.Cfg.IsDev() && d.Cfg.SeedPassword != "" {
		seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := identitySvc.SeedDevelopment(seedCtx, d.Cfg.SeedPassword, d.Logger)
		cancel()
		if err != nil {
			_ = closeEnrollments()
			return nil, fmt.Errorf("seed users: %w", err)
		}
	}

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	identityHandler := identity.NewHandler(identitySvc)
	authHandler := auth.NewHandler(authSvc)
	RegisterAuthRoutes(api, identityHandler, authHandler, middleware.LoginRateLimit(d.Cache, 5))

	// Protected routes
	protected := api.Group("", middleware.JWTAuth(signer, identityRepo))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/me", identityHandler.Me)

	verifyLimiter := middleware.VerifyRateLimit(d.Cfg.StepUp.VerifyPerMinute, 10*time.Minute)
	RegisterEnrollmentRoutes(protected, enrollment.NewHandler(enrollmentSvc), verifyLimiter)
	RegisterStepUpRoutes(protected, stepup.NewHandler(gate, d.Cfg.Enrollment.MaxImage, d.Logger), verifyLimiter)
	RegisterOperationRoutes(protected, operation.NewHandler(gate, d.Logger), stepup.Require(gate, d.Logger))

	return closeEnrollments, nil
}

func openEnrollments(d Deps) (enrollment.Repository, func() error, error) {
	noop := func() error { return nil }
	switch d.Cfg.Enrollment.Store {
	case "sqlite":
		repo, err := enrollment.OpenSQLite(d.Cfg.Enrollment.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "memory":
		return enrollment.NewMemoryRepository(), noop, nil
	default:
		if d.DB == nil {
			if d.Cfg.IsDev() {
				d.Logger.Warn("no database configured, enrollments kept in memory")
				return enrollment.NewMemoryRepository(), noop, nil
			}
			return nil, nil, fmt.Errorf("ENROLLMENT_STORE=postgres requires DATABASE_URL")
		}
		return enrollment.NewPostgresRepository(d.DB), noop, nil
	}
}
