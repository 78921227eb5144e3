package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrMissingConfig is returned by Validate when a required key is unset.
var ErrMissingConfig = errors.New("missing required configuration")

// Config holds shared runtime configuration for the api, worker and jobctl binaries.
type Config struct {
	Env         string `env:"APP_ENV"      envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT"    envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	DLQName       string `env:"DLQ_NAME"       envDefault:"jobs:dlq"`

	// Analysis service used by image-analysis jobs.
	AnalysisURL        string        `env:"AI_SERVICE_URL"`
	AnalysisAPIKey     string        `env:"AI_SERVICE_KEY"`
	AnalysisTimeout    time.Duration `env:"AI_SERVICE_TIMEOUT"      envDefault:"30s"`
	AnalysisRatePerSec float64       `env:"AI_SERVICE_RATE_PER_SEC" envDefault:"2"`

	DispatchBatchSize     int           `env:"DISPATCH_BATCH_SIZE"     envDefault:"10"`
	DispatchPacing        time.Duration `env:"DISPATCH_PACING"         envDefault:"100ms"`
	DispatchSchedule      string        `env:"DISPATCH_SCHEDULE"       envDefault:"@every 30s"`
	HandlerTimeout        time.Duration `env:"HANDLER_TIMEOUT"         envDefault:"60s"`
	LeaseDuration         time.Duration `env:"LEASE_DURATION"          envDefault:"5m"`
	BackoffBase           time.Duration `env:"BACKOFF_BASE"            envDefault:"1s"`
	BackoffCap            time.Duration `env:"BACKOFF_CAP"             envDefault:"30s"`
	DefaultMaxRetries     int           `env:"DEFAULT_MAX_RETRIES"     envDefault:"3"`
	FailFastUnknownTypes  bool          `env:"FAIL_FAST_UNKNOWN_TYPES" envDefault:"false"`
	ReminderSchedule      string        `env:"REMINDER_SCHEDULE"       envDefault:"0 0 9 * * *"`
	WeeklySummarySchedule string        `env:"WEEKLY_SUMMARY_SCHEDULE" envDefault:"0 0 18 * * SUN"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY"       envDefault:"50"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"20"`

	// Image normalization before analysis. Disabled unless a bucket is set.
	ImageS3Bucket        string        `env:"IMAGE_S3_BUCKET"`
	ImageS3Region        string        `env:"IMAGE_S3_REGION"        envDefault:"us-east-1"`
	ImageS3Endpoint      string        `env:"IMAGE_S3_ENDPOINT"`
	ImageS3PathStyle     bool          `env:"IMAGE_S3_PATH_STYLE"    envDefault:"false"`
	ImagePresignTTL      time.Duration `env:"IMAGE_PRESIGN_TTL"      envDefault:"15m"`
	ImageMaxDimension    int           `env:"IMAGE_MAX_DIMENSION"    envDefault:"1600"`
	ImageMaxBytes        int64         `env:"IMAGE_MAX_BYTES"        envDefault:"20971520"`
	ImageDownloadTimeout time.Duration `env:"IMAGE_DOWNLOAD_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from environment variables with defaults for local development.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the keys a dispatcher invocation cannot run without.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.AnalysisURL == "" {
		missing = append(missing, "AI_SERVICE_URL")
	}
	if c.AnalysisAPIKey == "" {
		missing = append(missing, "AI_SERVICE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	if c.LeaseDuration <= c.HandlerTimeout {
		return fmt.Errorf("LEASE_DURATION (%s) must exceed HANDLER_TIMEOUT (%s)", c.LeaseDuration, c.HandlerTimeout)
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults (JSON logs).
func (c Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}
