// Package config implements the configuration management as specified in
// section 6 of the design specification. It loads and validates all
// options that drive a catalog-sync run.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Mode selects the execution mode as defined in section 6 of the spec.
type Mode string

const (
	Production  Mode = "production"
	Development Mode = "development"
)

// Config holds all configuration for a catalog-sync run as defined in
// section 6 of the design specification.
type Config struct {
	ExecutionMode Mode // EXECUTION_MODE

	S3BucketName     string // S3_BUCKET_NAME
	S3TestBucketName string // S3_TEST_BUCKET_NAME

	WooAPIBaseURL     string // WOO_API_BASE_URL
	WooAPIBaseURLDev  string // WOO_API_BASE_URL_DEV
	WooAPIBaseURLTest string // WOO_API_BASE_URL_TEST
	WooConsumerKey    string // WOO_CONSUMER_KEY
	WooConsumerSecret string // WOO_CONSUMER_SECRET

	Concurrency int // CONCURRENCY
	BatchSize   int // BATCH_SIZE
	Port        int // PORT (dev progress dashboard)

	RateMinSpacing    time.Duration // RATE_MIN_SPACING_MS
	RateMaxConcurrent int           // RATE_MAX_CONCURRENT

	CheckpointPath    string        // CHECKPOINT_PATH
	QueueDBPath       string        // QUEUE_DB_PATH
	QueuePollInterval time.Duration // QUEUE_POLL_INTERVAL

	OutputDir   string // output-files/ base directory
	ReportS3URI string // REPORT_S3_URI, optional final-report upload target

	// Internal field, derived from ExecutionMode.
	folderPattern string
}

// Load builds a Config from process environment variables using koanf,
// mirroring the teacher's InitConfig pattern (env.Provider with no TOML
// layer, since this system is entirely environment-configured).
func Load() (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{
		ExecutionMode: Mode(stringOr(ko, "EXECUTION_MODE", string(Production))),

		S3BucketName:     ko.String("S3_BUCKET_NAME"),
		S3TestBucketName: ko.String("S3_TEST_BUCKET_NAME"),

		WooAPIBaseURL:     ko.String("WOO_API_BASE_URL"),
		WooAPIBaseURLDev:  ko.String("WOO_API_BASE_URL_DEV"),
		WooAPIBaseURLTest: ko.String("WOO_API_BASE_URL_TEST"),
		WooConsumerKey:    ko.String("WOO_CONSUMER_KEY"),
		WooConsumerSecret: ko.String("WOO_CONSUMER_SECRET"),

		Concurrency: intOr(ko, "CONCURRENCY", 2),
		BatchSize:   intOr(ko, "BATCH_SIZE", 50),
		Port:        intOr(ko, "PORT", 8080),

		RateMinSpacing:    durationMillisOr(ko, "RATE_MIN_SPACING_MS", 500*time.Millisecond),
		RateMaxConcurrent: intOr(ko, "RATE_MAX_CONCURRENT", 4),

		CheckpointPath:    stringOr(ko, "CHECKPOINT_PATH", "./process_checkpoint.json"),
		QueueDBPath:       stringOr(ko, "QUEUE_DB_PATH", "./job_queue.db"),
		QueuePollInterval: durationMillisOr(ko, "QUEUE_POLL_INTERVAL", 200*time.Millisecond),

		OutputDir:   stringOr(ko, "OUTPUT_DIR", "./output-files"),
		ReportS3URI: ko.String("REPORT_S3_URI"),
	}

	if cfg.ExecutionMode == Development {
		cfg.RateMinSpacing = durationMillisOr(ko, "RATE_MIN_SPACING_MS", 1500*time.Millisecond)
		cfg.RateMaxConcurrent = intOr(ko, "RATE_MAX_CONCURRENT", 1)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate implements the validation requirements of section 6 of the
// spec. It ensures all required fields are present and consistent, and
// derives internal fields (folder pattern) used elsewhere.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case Production:
		c.folderPattern = `^\d{2}-\d{2}-\d{4}$`
		if c.S3BucketName == "" {
			return fmt.Errorf("S3_BUCKET_NAME is required in production mode")
		}
	case Development:
		c.folderPattern = `^\d{2}-\d{2}-\d{4}-test$`
		if c.S3TestBucketName == "" {
			return fmt.Errorf("S3_TEST_BUCKET_NAME is required in development mode")
		}
	default:
		return fmt.Errorf("EXECUTION_MODE must be %q or %q, got %q", Production, Development, c.ExecutionMode)
	}

	if c.WooConsumerKey == "" || c.WooConsumerSecret == "" {
		return fmt.Errorf("WOO_CONSUMER_KEY and WOO_CONSUMER_SECRET are required")
	}

	if c.WooAPIBaseURLFor() == "" {
		return fmt.Errorf("no WOO_API_BASE_URL configured for mode %q", c.ExecutionMode)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be at least 1")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}

	if c.RateMaxConcurrent < 1 {
		return fmt.Errorf("RATE_MAX_CONCURRENT must be at least 1")
	}

	return nil
}

// BucketName returns the bucket name to use for the current execution mode.
func (c *Config) BucketName() string {
	if c.ExecutionMode == Development {
		return c.S3TestBucketName
	}
	return c.S3BucketName
}

// FolderPattern returns the regex matching a feed folder name for the
// current execution mode: "MM-DD-YYYY" in production, "MM-DD-YYYY-test"
// in development, per section 6 of the spec.
func (c *Config) FolderPattern() string {
	return c.folderPattern
}

// WooAPIBaseURLFor returns the remote API base URL for the current
// execution mode, falling back sensibly between the three configured
// variants.
func (c *Config) WooAPIBaseURLFor() string {
	if c.ExecutionMode == Development {
		if c.WooAPIBaseURLDev != "" {
			return c.WooAPIBaseURLDev
		}
		if c.WooAPIBaseURLTest != "" {
			return c.WooAPIBaseURLTest
		}
	}
	return c.WooAPIBaseURL
}

func stringOr(ko *koanf.Koanf, key, fallback string) string {
	if v := ko.String(key); v != "" {
		return v
	}
	return fallback
}

func intOr(ko *koanf.Koanf, key string, fallback int) int {
	if v := ko.String(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return fallback
}

func durationMillisOr(ko *koanf.Koanf, key string, fallback time.Duration) time.Duration {
	if v := ko.String(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
