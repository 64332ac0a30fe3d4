// Package config provides configuration parsing for the poller.
//
// Values come from command-line flags, then environment variables, then
// defaults. A .env file in the working directory is loaded into the
// environment first when present; variables already set are not overridden.
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	cameras, err := catalog.Load(cfg.CameraConfig, cfg.CatalogOptions())
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/HatiCode/highwayvlm/pkg/catalog"
	"github.com/HatiCode/highwayvlm/pkg/tlsconfig"
)

// Config holds all poller configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	CameraConfig        string
	SnapshotURLTemplate string
	DefaultPollInterval time.Duration
	TickInterval        time.Duration
	Workers             int
	AttemptTimeout      time.Duration
	RequestTimeout      time.Duration
	UnhealthyAfter      int

	DBPath       string
	FramesDir    string
	RawOutputDir string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	VLMBaseURL       string
	VLMAPIKey        string
	VLMModel         string
	VLMTimeout       time.Duration
	VLMMaxRetries    int
	VLMMaxTokens     int
	VLMRatePerMinute float64
	VLMErrorCooldown time.Duration

	NATSURL     string
	NATSSubject string

	// GRPCTLS serves the gRPC health listener over TLS.
	GRPCTLS tlsconfig.Config
}

// ParseFlags loads .env, parses os.Args and validates the result. It exits
// the process on invalid configuration.
func ParseFlags() *Config {
	if err := LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadDotEnv loads path into the environment if it exists.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Parse parses args with environment fallbacks and validates the result.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	flags := flag.NewFlagSet("poller", flag.ContinueOnError)

	flags.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	flags.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":8082"), "gRPC health listen address (empty disables)")
	flags.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flags.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flags.StringVar(&cfg.CameraConfig, "camera-config", getEnv("CAMERA_CONFIG", "config/cameras.yml"), "Camera catalog YAML file")
	flags.StringVar(&cfg.SnapshotURLTemplate, "snapshot-url-template", getEnv("SNAPSHOT_URL_TEMPLATE", ""), "Snapshot URL template with {camera_id}")
	flags.DurationVar(&cfg.DefaultPollInterval, "default-poll-interval", getEnvDuration("DEFAULT_POLL_INTERVAL", 60*time.Second), "Poll interval for cameras without one")
	flags.DurationVar(&cfg.TickInterval, "tick-interval", getEnvDuration("TICK_INTERVAL", time.Second), "Scheduler tick interval")
	flags.IntVar(&cfg.Workers, "workers", getEnvInt("WORKERS", 4), "Maximum concurrent poll attempts")
	flags.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", getEnvDuration("ATTEMPT_TIMEOUT", 2*time.Minute), "Upper bound for one poll attempt")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", getEnvDuration("REQUEST_TIMEOUT", 20*time.Second), "Snapshot HTTP timeout")
	flags.IntVar(&cfg.UnhealthyAfter, "unhealthy-after", getEnvInt("UNHEALTHY_AFTER", 3), "Consecutive failures before a camera reports NOT_SERVING")

	flags.StringVar(&cfg.DBPath, "db-path", getEnv("DB_PATH", "data/highwayvlm.db"), "SQLite archive path")
	flags.StringVar(&cfg.FramesDir, "frames-dir", getEnv("FRAMES_DIR", "data/frames"), "Directory for captured frames")
	flags.StringVar(&cfg.RawOutputDir, "raw-output-dir", getEnv("RAW_OUTPUT_DIR", ""), "Directory for raw model output (empty disables)")

	flags.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Status storage backend: memory or redis")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flags.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flags.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flags.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", time.Hour), "Redis status TTL")

	flags.StringVar(&cfg.VLMBaseURL, "vlm-base-url", getEnv("VLM_BASE_URL", "https://api.openai.com/v1"), "OpenAI-compatible API base URL")
	flags.StringVar(&cfg.VLMAPIKey, "vlm-api-key", getEnv("VLM_API_KEY", getEnv("OPENAI_API_KEY", "")), "VLM API key")
	flags.StringVar(&cfg.VLMModel, "vlm-model", getEnv("VLM_MODEL", "gpt-4o-mini"), "VLM model name")
	flags.DurationVar(&cfg.VLMTimeout, "vlm-timeout", getEnvDuration("VLM_TIMEOUT", 30*time.Second), "Timeout per VLM request")
	flags.IntVar(&cfg.VLMMaxRetries, "vlm-max-retries", getEnvInt("VLM_MAX_RETRIES", 3), "VLM attempts per frame")
	flags.IntVar(&cfg.VLMMaxTokens, "vlm-max-tokens", getEnvInt("VLM_MAX_TOKENS", 512), "VLM max output tokens")
	flags.Float64Var(&cfg.VLMRatePerMinute, "vlm-rate-per-minute", getEnvFloat("VLM_RATE_PER_MINUTE", 0), "VLM call budget per minute (0 = unlimited)")
	flags.DurationVar(&cfg.VLMErrorCooldown, "vlm-error-cooldown", getEnvDuration("VLM_ERROR_COOLDOWN", 0), "Skip analysis for a camera this long after a VLM error (0 disables)")

	flags.StringVar(&cfg.NATSURL, "nats-url", getEnv("NATS_URL", ""), "NATS URL for incident events (empty disables)")
	flags.StringVar(&cfg.NATSSubject, "nats-subject", getEnv("NATS_SUBJECT", "highwayvlm.incidents"), "NATS subject prefix")

	flags.BoolVar(&cfg.GRPCTLS.Enabled, "grpc-tls", getEnvBool("GRPC_TLS", false), "Serve the gRPC health listener over TLS")
	flags.StringVar(&cfg.GRPCTLS.CertFile, "grpc-tls-cert", getEnv("GRPC_TLS_CERT", ""), "gRPC server certificate (PEM)")
	flags.StringVar(&cfg.GRPCTLS.KeyFile, "grpc-tls-key", getEnv("GRPC_TLS_KEY", ""), "gRPC server private key (PEM)")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.CameraConfig == "" {
		errs = append(errs, errors.New("camera-config cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db-path cannot be empty"))
	}
	if c.FramesDir == "" {
		errs = append(errs, errors.New("frames-dir cannot be empty"))
	}
	if c.VLMAPIKey == "" {
		errs = append(errs, errors.New("vlm-api-key is required (VLM_API_KEY or OPENAI_API_KEY)"))
	}
	if c.VLMModel == "" {
		errs = append(errs, errors.New("vlm-model cannot be empty"))
	}
	if c.DefaultPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("default-poll-interval must be > 0, got %v", c.DefaultPollInterval))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick-interval must be > 0, got %v", c.TickInterval))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attempt-timeout must be > 0, got %v", c.AttemptTimeout))
	}
	if c.VLMMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("vlm-max-retries must be >= 1, got %d", c.VLMMaxRetries))
	}
	if c.VLMRatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("vlm-rate-per-minute cannot be negative, got %v", c.VLMRatePerMinute))
	}
	if c.VLMErrorCooldown < 0 {
		errs = append(errs, fmt.Errorf("vlm-error-cooldown cannot be negative, got %v", c.VLMErrorCooldown))
	}
	if c.UnhealthyAfter < 1 {
		errs = append(errs, fmt.Errorf("unhealthy-after must be >= 1, got %d", c.UnhealthyAfter))
	}
	if err := c.GRPCTLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis-addr is required when storage=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage))
	}
	return errors.Join(errs...)
}

// CatalogOptions returns the catalog defaults derived from c.
func (c *Config) CatalogOptions() catalog.Options {
	return catalog.Options{
		SnapshotURLTemplate: c.SnapshotURLTemplate,
		DefaultPollInterval: c.DefaultPollInterval,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
