// Command corridor records and serves road-corridor congestion snapshots.
//
// corridor runs a collector loop that:
//  1. Collects per-segment congestion ratios from a traffic adapter
//  2. Attaches the counter-flow lane status, when a resolver is configured
//  3. Buckets the observation into a service day and interval slot
//  4. Appends it to the in-memory tail and upserts it into durable storage
//
// It serves an HTTP API on port 8080 (configurable) providing:
//   - GET /api/traffic/today?daysBack=N - Current service day and previous days
//   - GET /api/traffic/days/{day}?radius=R - Window of days around a day
//   - GET /api/traffic/batch?days=a,b - Independent per-day reads
//   - GET /healthz - Diagnostics report
//   - GET /metrics - Prometheus metrics endpoint
//
// Usage:
//
//	corridor \
//	  -storage=sqlite -sqlite-path=data/corridor.db \
//	  -timezone=America/Vancouver -day-start-hour=4 -step=2 \
//	  -tomtom-api-key=$TOMTOM_API_KEY
//
// Environment variables:
//
//	LISTEN          - HTTP listen address (default: :8080)
//	STORAGE         - memory, sqlite, postgres or redis (default: sqlite)
//	SQLITE_PATH     - SQLite database file (default: data/corridor.db)
//	POSTGRES_DSN    - PostgreSQL connection string
//	REDIS_ADDR      - Redis server address (default: localhost:6379)
//	TIMEZONE        - Reference time zone (default: America/Vancouver)
//	DAY_START_HOUR  - Local hour a service day begins (default: 4)
//	STEP_MINUTES    - Interval slot width (default: 2)
//	TOMTOM_API_KEY  - Enables the TomTom adapter
//	INTERVAL        - Collection interval (default: 5m)
//	PEAK_INTERVAL   - Collection interval in rush hours (default: 2m)
//	MEMORY_SOFT_MIB - Purge caches above this usage (default: disabled)
//	MEMORY_HARD_MIB - Reject heavy reads above this usage (default: disabled)
//	LOG_LEVEL       - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT      - Logging format: text, json (default: text)
//	LOG_FILE        - Rotating log file (default: stderr)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/corridor/cmd/corridor/config"
	"github.com/HatiCode/corridor/cmd/corridor/logger"
	"github.com/HatiCode/corridor/cmd/corridor/router"
	"github.com/HatiCode/corridor/cmd/corridor/store"
	"github.com/HatiCode/corridor/pkg/adapters"
	"github.com/HatiCode/corridor/pkg/admission"
	"github.com/HatiCode/corridor/pkg/bucket"
	"github.com/HatiCode/corridor/pkg/httpx"
	"github.com/HatiCode/corridor/pkg/metrics"
	"github.com/HatiCode/corridor/pkg/tail"
	"github.com/HatiCode/corridor/pkg/traffic"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	logger.Info("starting corridor",
		"version", version,
		"storage", cfg.Storage,
		"adapter", cfg.Adapter,
		"timezone", cfg.Timezone,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := store.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	loc, _ := time.LoadLocation(cfg.Timezone) // checked by Validate
	bucketer, err := bucket.New(bucket.CurrentConfig(bucket.Config{
		Location:    loc,
		StartHour:   cfg.DayStartHour,
		StepMinutes: cfg.StepMinutes,
	}))
	if err != nil {
		logger.Error("invalid bucketing", "error", err)
		os.Exit(1)
	}

	sampler, err := newSampler(cfg.MemorySource)
	if err != nil {
		logger.Error("failed to create memory sampler", "error", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	svc, err := traffic.New(traffic.Config{
		Bucketer:       bucketer,
		Store:          backend.Store,
		Catalog:        backend.Catalog,
		Tail:           tail.NewRing(cfg.TailCapacity),
		StaleThreshold: cfg.StaleThreshold,
		CacheTTL:       cfg.CacheTTL,
		CacheMaxKeys:   cfg.CacheMaxKeys,
		Admission: admission.Options{
			MaxConcurrent:  cfg.MaxHeavyReads,
			QueueTimeout:   cfg.QueueTimeout,
			SoftLimitBytes: config.MiB(cfg.MemorySoftMiB),
			HardLimitBytes: config.MiB(cfg.MemoryHardMiB),
			RetryAfter:     cfg.RetryAfter,
			Sampler:        sampler,
			Observer:       m,
		},
		EmbedSegments: cfg.EmbedSegments,
		MaxDaysBack:   cfg.MaxDaysBack,
		MaxRadius:     cfg.MaxRadius,
		MaxBatchDays:  cfg.MaxBatchDays,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create traffic service", "error", err)
		os.Exit(1)
	}
	m.WatchCaches(svc, traffic.CacheToday, traffic.CacheDayWindow, traffic.CacheDays)
	m.WatchAdmission(svc.Admission())

	adapter, err := adapters.New(cfg.Adapter, cfg.AdapterConfig())
	if err != nil {
		logger.Error("failed to create adapter", "error", err)
		os.Exit(1)
	}
	if tt, ok := adapter.(*adapters.TomTomAdapter); ok {
		tt.HTTPClient = httpx.NewClient(cfg.TomTomTimeout)
		tt.Logger = logger
	}

	lanes, err := adapters.NewLaneResolver(cfg.LanesConfig())
	if err != nil {
		logger.Error("failed to create lane resolver", "error", err)
		os.Exit(1)
	}

	collector := NewCollector(adapter, lanes, svc, cfg.Interval, cfg.PeakInterval, loc, logger, m)

	httpServer := httpx.NewServer(cfg.Listen, router.SetupRoutes(svc, nil, logger), logger)

	go func() {
		if err := collector.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("collector loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func newSampler(source string) (admission.MemorySampler, error) {
	if source == "rss" {
		return admission.NewProcessSampler(admission.DefaultSampleInterval)
	}
	return admission.NewHeapSampler(admission.DefaultSampleInterval), nil
}
