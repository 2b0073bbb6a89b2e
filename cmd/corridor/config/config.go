// Package config provides configuration parsing for corridor.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence over environment variables. The Config struct holds:
//   - HTTP listen address and logging (level, format, optional rotating file)
//   - Storage backend (memory, sqlite, postgres, redis) and its connection
//   - Bucketing (time zone, service-day start hour, step)
//   - Freshness, tail, cache and admission limits
//   - Collector source (synthetic, tomtom) and tick intervals
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// Example usage:
//
//	cfg := config.ParseFlags()
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// Config holds all corridor configuration.
type Config struct {
	Listen string

	LogFormat     string
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	Storage       string
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	Timezone     string
	DayStartHour int
	StepMinutes  int

	StaleThreshold time.Duration
	TailCapacity   int
	CacheTTL       time.Duration
	CacheMaxKeys   int
	MaxDaysBack    int
	MaxRadius      int
	MaxBatchDays   int
	EmbedSegments  bool

	MaxHeavyReads int
	QueueTimeout  time.Duration
	RetryAfter    time.Duration
	MemorySoftMiB int
	MemoryHardMiB int
	MemorySource  string

	Adapter       string
	TomTomAPIKey  string
	TomTomURL     string
	TomTomTimeout time.Duration
	Interval      time.Duration
	PeakInterval  time.Duration
	LanesURL      string
	LanesPath     string
}

var (
	storageBackends = []string{"memory", "sqlite", "postgres", "redis"}
	adapterKinds    = []string{"synthetic", "tomtom"}
	memorySources   = []string{"heap", "rss"}
	logFormats      = []string{"text", "json"}
	logLevels       = []string{"debug", "info", "warn", "error"}
)

// ParseFlags parses command-line flags and environment variables into a
// Config. It prints the problem and exits when the result is invalid.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Parse registers corridor's flags on fs, parses args and validates the
// result.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Write logs to this file with rotation instead of stderr")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", getEnvInt("LOG_MAX_SIZE_MB", 100), "Rotate the log file after this many megabytes")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", getEnvInt("LOG_MAX_BACKUPS", 5), "Rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAgeDays, "log-max-age", getEnvInt("LOG_MAX_AGE_DAYS", 14), "Days to keep rotated log files")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "sqlite"), "Storage backend: memory, sqlite, postgres or redis")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", getEnv("SQLITE_PATH", "data/corridor.db"), "SQLite database file")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", getEnv("POSTGRES_DSN", ""), "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", getEnv("REDIS_PREFIX", "corridor"), "Redis key prefix")

	fs.StringVar(&cfg.Timezone, "timezone", getEnv("TIMEZONE", "America/Vancouver"), "Reference time zone of service days")
	fs.IntVar(&cfg.DayStartHour, "day-start-hour", getEnvInt("DAY_START_HOUR", 4), "Local hour at which a service day begins")
	fs.IntVar(&cfg.StepMinutes, "step", getEnvInt("STEP_MINUTES", 2), "Interval slot width in minutes")

	fs.DurationVar(&cfg.StaleThreshold, "stale-threshold", getEnvDuration("STALE_THRESHOLD", 12*time.Minute), "Durable data older than this is blended with the tail")
	fs.IntVar(&cfg.TailCapacity, "tail-capacity", getEnvInt("TAIL_CAPACITY", 720), "Snapshots kept in the in-memory tail")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", getEnvDuration("CACHE_TTL", 30*time.Second), "Response cache TTL")
	fs.IntVar(&cfg.CacheMaxKeys, "cache-max-keys", getEnvInt("CACHE_MAX_KEYS", 128), "Response cache entries per query kind")
	fs.IntVar(&cfg.MaxDaysBack, "max-days-back", getEnvInt("MAX_DAYS_BACK", 7), "Largest daysBack accepted by today queries")
	fs.IntVar(&cfg.MaxRadius, "max-radius", getEnvInt("MAX_RADIUS", 7), "Largest radius accepted by day-window queries")
	fs.IntVar(&cfg.MaxBatchDays, "max-batch-days", getEnvInt("MAX_BATCH_DAYS", 31), "Most days accepted by batch queries")
	fs.BoolVar(&cfg.EmbedSegments, "embed-segments", getEnvBool("EMBED_SEGMENTS", false), "Store segment descriptors inside durable payloads")

	fs.IntVar(&cfg.MaxHeavyReads, "max-heavy-reads", getEnvInt("MAX_HEAVY_READS", 4), "Concurrent heavy reads")
	fs.DurationVar(&cfg.QueueTimeout, "queue-timeout", getEnvDuration("QUEUE_TIMEOUT", 5*time.Second), "Longest wait for a heavy read ticket")
	fs.DurationVar(&cfg.RetryAfter, "retry-after", getEnvDuration("RETRY_AFTER", 5*time.Second), "Retry-After hint for memory pressure rejections")
	fs.IntVar(&cfg.MemorySoftMiB, "memory-soft-mib", getEnvInt("MEMORY_SOFT_MIB", 0), "Purge caches at this memory usage (0 disables)")
	fs.IntVar(&cfg.MemoryHardMiB, "memory-hard-mib", getEnvInt("MEMORY_HARD_MIB", 0), "Reject heavy reads at this memory usage (0 disables)")
	fs.StringVar(&cfg.MemorySource, "memory-source", getEnv("MEMORY_SOURCE", "heap"), "Memory usage source: heap or rss")

	fs.StringVar(&cfg.Adapter, "adapter", getEnv("ADAPTER", ""), "Traffic source: synthetic or tomtom (default tomtom when an API key is set)")
	fs.StringVar(&cfg.TomTomAPIKey, "tomtom-api-key", getEnv("TOMTOM_API_KEY", ""), "TomTom API key")
	fs.StringVar(&cfg.TomTomURL, "tomtom-url", getEnv("TOMTOM_URL", ""), "TomTom traffic API base URL")
	fs.DurationVar(&cfg.TomTomTimeout, "tomtom-timeout", getEnvDuration("TOMTOM_TIMEOUT", 5*time.Second), "Timeout of one TomTom request")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", 5*time.Minute), "Collection interval")
	fs.DurationVar(&cfg.PeakInterval, "peak-interval", getEnvDuration("PEAK_INTERVAL", 2*time.Minute), "Collection interval during weekday rush hours")
	fs.StringVar(&cfg.LanesURL, "lanes-url", getEnv("LANES_URL", ""), "JSON endpoint reporting counter-flow lane status")
	fs.StringVar(&cfg.LanesPath, "lanes-path", getEnv("LANES_PATH", ""), "gjson path of the lane status in the lanes-url response")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Adapter == "" {
		cfg.Adapter = "synthetic"
		if cfg.TomTomAPIKey != "" {
			cfg.Adapter = "tomtom"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(logFormats, c.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid log format %q (must be text or json)", c.LogFormat))
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", c.LogLevel))
	}

	switch c.Storage {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite storage requires --sqlite-path"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires --postgres-dsn"))
		}
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis storage requires --redis-addr"))
		}
	default:
		if !slices.Contains(storageBackends, c.Storage) {
			errs = append(errs, fmt.Errorf("invalid storage %q (must be memory, sqlite, postgres or redis)", c.Storage))
		}
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	if c.DayStartHour < 0 || c.DayStartHour > 23 {
		errs = append(errs, fmt.Errorf("day start hour must be 0-23, got %d", c.DayStartHour))
	}
	if c.StepMinutes <= 0 || c.StepMinutes > 1440 {
		errs = append(errs, fmt.Errorf("step must be 1-1440 minutes, got %d", c.StepMinutes))
	}

	if c.StaleThreshold <= 0 {
		errs = append(errs, errors.New("stale threshold must be > 0"))
	}
	if c.TailCapacity <= 0 {
		errs = append(errs, errors.New("tail capacity must be > 0"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be > 0"))
	}
	if c.MaxHeavyReads <= 0 {
		errs = append(errs, errors.New("max heavy reads must be > 0"))
	}
	if c.QueueTimeout <= 0 {
		errs = append(errs, errors.New("queue timeout must be > 0"))
	}

	if c.MemorySoftMiB < 0 || c.MemoryHardMiB < 0 {
		errs = append(errs, errors.New("memory thresholds cannot be negative"))
	}
	if c.MemorySoftMiB > 0 && c.MemoryHardMiB > 0 && c.MemorySoftMiB >= c.MemoryHardMiB {
		errs = append(errs, fmt.Errorf("memory soft limit (%d MiB) must be below hard limit (%d MiB)", c.MemorySoftMiB, c.MemoryHardMiB))
	}
	if !slices.Contains(memorySources, c.MemorySource) {
		errs = append(errs, fmt.Errorf("invalid memory source %q (must be heap or rss)", c.MemorySource))
	}

	if !slices.Contains(adapterKinds, c.Adapter) {
		errs = append(errs, fmt.Errorf("invalid adapter %q (must be synthetic or tomtom)", c.Adapter))
	}
	if c.Adapter == "tomtom" && c.TomTomAPIKey == "" {
		errs = append(errs, errors.New("tomtom adapter requires --tomtom-api-key"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be > 0"))
	}
	if c.PeakInterval <= 0 {
		errs = append(errs, errors.New("peak interval must be > 0"))
	}
	if c.LanesURL != "" && c.LanesPath == "" {
		errs = append(errs, errors.New("--lanes-url requires --lanes-path"))
	}

	return errors.Join(errs...)
}

// AdapterConfig returns the generic configuration map for adapters.New.
func (c *Config) AdapterConfig() map[string]string {
	return map[string]string{
		"apiKey":   c.TomTomAPIKey,
		"baseURL":  c.TomTomURL,
		"timezone": c.Timezone,
	}
}

// LanesConfig returns the generic configuration map for
// adapters.NewLaneResolver.
func (c *Config) LanesConfig() map[string]string {
	return map[string]string{
		"url":       c.LanesURL,
		"valuePath": c.LanesPath,
	}
}

// MiB converts a megabyte threshold to bytes.
func MiB(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 20
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
