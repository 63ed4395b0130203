// Package config loads planserver settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends accepted by GOPLAN_STORAGE.
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
	StorageSQLite    = "sqlite"
)

const (
	defaultListenAddr        = ":8080"
	defaultRedisAddr         = "localhost:6379"
	defaultSQLitePath        = "goplan.db"
	defaultEnrichmentTimeout = 5 * time.Second
	defaultSubjectHeader     = "X-Auth-Subject"
	defaultEmailHeader       = "X-Auth-Email"
	defaultMetricsNamespace  = "goplan"

	placeholderPrefix = "YOUR_"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// PolarConfig holds the Polar webhook and API settings.
type PolarConfig struct {
	WebhookSecret     string
	APIKey            string
	ProductID         string
	APIBaseURL        string
	EnrichmentTimeout time.Duration
}

// StripeConfig holds the optional Stripe provider settings.
type StripeConfig struct {
	WebhookSecret string
	APIKey        string
	ProductID     string
}

// Enabled reports whether the Stripe webhook should be mounted.
func (c StripeConfig) Enabled() bool {
	return c.WebhookSecret != ""
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config is the complete planserver configuration.
type Config struct {
	ListenAddr string
	Storage    string

	Polar  PolarConfig
	Stripe StripeConfig
	Redis  RedisConfig

	PostgresDSN        string
	FirestoreProjectID string
	SQLitePath         string

	// CacheTTL enables the plan read cache when positive.
	CacheTTL time.Duration

	SubjectHeader string
	EmailHeader   string

	LogLevel         string
	LogFormat        string
	MetricsNamespace string
}

// Load reads the configuration from the environment. When envFile is set it
// must exist; otherwise a .env in the working directory is loaded if present.
// Values already present in the environment win over file entries.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	redisDB, err := envOrDefaultInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	enrichmentTimeout, err := envOrDefaultDuration("POLAR_ENRICHMENT_TIMEOUT", defaultEnrichmentTimeout)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("GOPLAN_CACHE_TTL", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr: envOrDefault("GOPLAN_LISTEN_ADDR", defaultListenAddr),
		Storage:    strings.ToLower(envOrDefault("GOPLAN_STORAGE", StorageMemory)),
		Polar: PolarConfig{
			WebhookSecret:     envSecret("POLAR_WEBHOOK_SECRET"),
			APIKey:            env("POLAR_API_KEY"),
			ProductID:         env("POLAR_PRODUCT_ID"),
			APIBaseURL:        env("POLAR_API_BASE_URL"),
			EnrichmentTimeout: enrichmentTimeout,
		},
		Stripe: StripeConfig{
			WebhookSecret: envSecret("STRIPE_WEBHOOK_SECRET"),
			APIKey:        env("STRIPE_API_KEY"),
			ProductID:     env("STRIPE_PRODUCT_ID"),
		},
		Redis: RedisConfig{
			Addr:     envOrDefault("REDIS_ADDR", defaultRedisAddr),
			Password: env("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		PostgresDSN:        env("POSTGRES_DSN"),
		FirestoreProjectID: env("FIRESTORE_PROJECT_ID"),
		SQLitePath:         envOrDefault("SQLITE_PATH", defaultSQLitePath),
		CacheTTL:           cacheTTL,
		SubjectHeader:      envOrDefault("GOPLAN_IDENTITY_SUBJECT_HEADER", defaultSubjectHeader),
		EmailHeader:        envOrDefault("GOPLAN_IDENTITY_EMAIL_HEADER", defaultEmailHeader),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "auto"),
		MetricsNamespace:   envOrDefault("METRICS_NAMESPACE", defaultMetricsNamespace),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without.
// A missing webhook secret is reported by Warnings instead.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: GOPLAN_LISTEN_ADDR is empty", ErrInvalidConfig)
	}

	switch c.Storage {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for redis storage", ErrInvalidConfig)
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("%w: REDIS_DB must not be negative, got %d", ErrInvalidConfig, c.Redis.DB)
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: POSTGRES_DSN is required for postgres storage", ErrInvalidConfig)
		}
	case StorageFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("%w: FIRESTORE_PROJECT_ID is required for firestore storage", ErrInvalidConfig)
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: SQLITE_PATH is required for sqlite storage", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown GOPLAN_STORAGE %q", ErrInvalidConfig, c.Storage)
	}

	if c.Polar.EnrichmentTimeout <= 0 {
		return fmt.Errorf("%w: POLAR_ENRICHMENT_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: GOPLAN_CACHE_TTL must not be negative", ErrInvalidConfig)
	}
	if c.Polar.APIBaseURL != "" {
		u, err := url.Parse(c.Polar.APIBaseURL)
		if err != nil {
			return fmt.Errorf("%w: POLAR_API_BASE_URL: %w", ErrInvalidConfig, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: POLAR_API_BASE_URL must be an http(s) URL with a host", ErrInvalidConfig)
		}
	}
	return nil
}

// Warnings lists settings that are missing but do not prevent startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Polar.WebhookSecret == "" {
		warnings = append(warnings, "POLAR_WEBHOOK_SECRET is not set; /webhook will answer 500")
	}
	if c.Polar.ProductID == "" {
		warnings = append(warnings, "POLAR_PRODUCT_ID is not set; completed orders will not grant pro")
	}
	if c.Polar.APIKey == "" {
		warnings = append(warnings, "POLAR_API_KEY is not set; order enrichment is disabled")
	}
	return warnings
}

// env returns the trimmed value of key. Template placeholders such as
// YOUR_POLAR_API_KEY count as unset.
func env(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if strings.HasPrefix(strings.ToUpper(v), placeholderPrefix) {
		return ""
	}
	return v
}

// envSecret is env for signing keys: a set value is returned untrimmed.
func envSecret(key string) string {
	if env(key) == "" {
		return ""
	}
	return os.Getenv(key)
}

func envOrDefault(key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := env(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a valid integer: %w", ErrInvalidConfig, key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := env(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a duration such as 5s: %w", ErrInvalidConfig, key, err)
		}
		return d, nil
	}
	return fallback, nil
}
