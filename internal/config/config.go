package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	minTrustWindow = time.Second
	maxTrustWindow = 24 * time.Hour
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME"         envDefault:"StepGuard"`
	AppEnv         string        `env:"APP_ENV"          envDefault:"development"`
	Port           string        `env:"PORT"             envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL"  envDefault:"24h"`

	JWTSecret      string        `env:"JWT_SECRET"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	SessionTTL     time.Duration `env:"SESSION_TTL"      envDefault:"2h"`
	SeedPassword   string        `env:"DEV_SEED_PASSWORD" envDefault:"password"`

	StepUp     StepUp
	Liveness   Liveness
	Enrollment Enrollment
	AWS        AWS
	Telemetry  Telemetry
}

// StepUp holds the re-authentication policy knobs.
type StepUp struct {
	TrustWindow            time.Duration `env:"STEPUP_TIMEOUT"                  envDefault:"300s"`
	ImageMatchThreshold    float64       `env:"STEPUP_IMAGE_MATCH_THRESHOLD"    envDefault:"85.0"`
	LivenessMatchThreshold float64       `env:"STEPUP_LIVENESS_MATCH_THRESHOLD" envDefault:"85.0"`
	CollectionID           string        `env:"STEPUP_COLLECTION_ID"            envDefault:"users"`
	HomeURL                string        `env:"STEPUP_HOME_URL"                 envDefault:"/dashboard"`
	SensitiveKeys          []string      `env:"STEPUP_SENSITIVE_KEYS"           envDefault:"_token,password,password_confirmation,csrf_token" envSeparator:","`
	ProviderTimeout        time.Duration `env:"STEPUP_PROVIDER_TIMEOUT"         envDefault:"10s"`
	VerifyPerMinute        int           `env:"STEPUP_VERIFY_RATE"              envDefault:"10"`
}

// Liveness configures liveness sessions and their single-use guard.
type Liveness struct {
	ClaimTTL         time.Duration `env:"STEPUP_LIVENESS_CLAIM_TTL"   envDefault:"2m"`
	ResultTTL        time.Duration `env:"STEPUP_LIVENESS_RESULT_TTL"  envDefault:"10m"`
	Wait             time.Duration `env:"STEPUP_LIVENESS_WAIT"        envDefault:"15s"`
	AuditImagesLimit int32         `env:"LIVENESS_AUDIT_IMAGES_LIMIT" envDefault:"4"`
	S3Bucket         string        `env:"LIVENESS_S3_BUCKET"`
	S3KeyPrefix      string        `env:"LIVENESS_S3_KEY_PREFIX"      envDefault:"face-liveness-sessions/"`
	CredentialsTTL   time.Duration `env:"LIVENESS_CREDENTIALS_TTL"    envDefault:"15m"`
}

// Enrollment selects the biometric enrollment store.
type Enrollment struct {
	Store      string `env:"ENROLLMENT_STORE"           envDefault:"postgres"`
	SQLitePath string `env:"SQLITE_PATH"                envDefault:"stepguard.db"`
	MaxImage   int    `env:"ENROLLMENT_MAX_IMAGE_BYTES" envDefault:"5242880"`
}

// AWS holds provider settings for the face matcher and liveness provider.
type AWS struct {
	Region string `env:"AWS_REGION" envDefault:"us-east-1"`
}

// Telemetry configures trace export.
type Telemetry struct {
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Enrollment.Store = strings.ToLower(strings.TrimSpace(cfg.Enrollment.Store))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and the settings required outside development.
func (c Config) Validate() error {
	if c.StepUp.TrustWindow < minTrustWindow || c.StepUp.TrustWindow > maxTrustWindow {
		return fmt.Errorf("invalid STEPUP_TIMEOUT: %s not within [%s, %s]", c.StepUp.TrustWindow, minTrustWindow, maxTrustWindow)
	}
	if err := validThreshold("STEPUP_IMAGE_MATCH_THRESHOLD", c.StepUp.ImageMatchThreshold); err != nil {
		return err
	}
	if err := validThreshold("STEPUP_LIVENESS_MATCH_THRESHOLD", c.StepUp.LivenessMatchThreshold); err != nil {
		return err
	}
	if strings.TrimSpace(c.StepUp.CollectionID) == "" {
		return fmt.Errorf("STEPUP_COLLECTION_ID must not be empty")
	}
	if c.StepUp.ProviderTimeout <= 0 {
		return fmt.Errorf("STEPUP_PROVIDER_TIMEOUT must be positive")
	}
	switch c.Enrollment.Store {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid ENROLLMENT_STORE %q", c.Enrollment.Store)
	}

	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	return nil
}

// IsDev reports whether the process runs in a local development profile.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func validThreshold(name string, v float64) error {
	if v <= 0 || v > 100 {
		return fmt.Errorf("invalid %s: %.2f must be in (0, 100]", name, v)
	}
	return nil
}
