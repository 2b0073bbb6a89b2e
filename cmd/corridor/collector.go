// This file contains the Collector, corridor's ingestion loop:
//
//	collect → resolve lane status → record snapshot
//
// The Collector runs continuously via Run(), executing Tick() on a timer whose
// delay tightens to the peak interval during weekday rush hours. Ticks that
// produce no data are skipped, and persistence failures are logged without
// stopping the loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/corridor/pkg/adapters"
	"github.com/HatiCode/corridor/pkg/metrics"
	"github.com/HatiCode/corridor/pkg/storage"
	"github.com/HatiCode/corridor/pkg/traffic"
)

// Lane status sources recorded in snapshot aux state.
const (
	laneSourceResolver    = "resolver"
	laneSourceUnavailable = "unavailable"
)

// Recorder persists one collected observation.
type Recorder interface {
	RecordSnapshot(ctx context.Context, obs traffic.Observation) (traffic.RecordResult, error)
}

// Collector feeds adapter readings into the traffic service.
type Collector struct {
	adapter      adapters.Adapter
	lanes        adapters.LaneResolver
	recorder     Recorder
	interval     time.Duration
	peakInterval time.Duration
	loc          *time.Location
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewCollector creates a new Collector. A nil lanes resolver records the lane
// status as unknown; a zero peakInterval disables rush hour scheduling.
func NewCollector(
	adapter adapters.Adapter,
	lanes adapters.LaneResolver,
	recorder Recorder,
	interval, peakInterval time.Duration,
	loc *time.Location,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if lanes == nil {
		lanes = adapters.UnknownLanes{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if peakInterval <= 0 {
		peakInterval = interval
	}

	return &Collector{
		adapter:      adapter,
		lanes:        lanes,
		recorder:     recorder,
		interval:     interval,
		peakInterval: peakInterval,
		loc:          loc,
		metrics:      m,
		logger:       logger.With("component", "collector", "adapter", adapter.Name()),
		now:          time.Now,
	}
}

// Run collects immediately and then on every scheduled delay.
// Blocks until context is canceled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("starting collector loop", "interval", c.interval, "peak_interval", c.peakInterval)

	if err := c.Tick(ctx); err != nil {
		c.logger.Error("initial collector tick failed", "error", err)
	}

	timer := time.NewTimer(c.nextDelay(c.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("collector loop stopped")
			return ctx.Err()
		case <-timer.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Error("collector tick failed", "error", err)
			}
			timer.Reset(c.nextDelay(c.now()))
		}
	}
}

// Tick performs one collection cycle. A tick without data returns nil and
// persists nothing.
func (c *Collector) Tick(ctx context.Context) error {
	start := time.Now()

	reading, err := c.adapter.Collect(ctx)
	collectDuration := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordCollect(c.adapter.Name(), collectDuration)
	}
	if errors.Is(err, adapters.ErrNoData) {
		c.logger.Warn("no traffic data this tick, skipping", "error", err)
		if c.metrics != nil {
			c.metrics.RecordCollectError(c.adapter.Name(), "no_data")
		}
		return nil
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordCollectError(c.adapter.Name(), "collect_failed")
		}
		return fmt.Errorf("collect: %w", err)
	}
	if reading == nil || len(reading.Ratios) == 0 {
		c.logger.Warn("adapter returned an empty reading, skipping")
		if c.metrics != nil {
			c.metrics.RecordCollectError(c.adapter.Name(), "no_data")
		}
		return nil
	}

	res, err := c.recorder.RecordSnapshot(ctx, traffic.Observation{
		ObservedAt: reading.ObservedAt,
		Ratios:     reading.Ratios,
		Segments:   reading.Segments,
		Aux:        c.laneStatus(ctx),
	})
	if errors.Is(err, storage.ErrPersistence) {
		// The tail already holds the observation.
		c.logger.Error("snapshot not persisted, serving from memory",
			"day_key", res.DayKey, "interval_index", res.IntervalIndex, "error", err)
		return nil
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordCollectError(c.adapter.Name(), "record_failed")
		}
		return fmt.Errorf("record: %w", err)
	}

	c.logger.Info("collector tick complete",
		"id", res.ID,
		"day_key", res.DayKey,
		"interval_index", res.IntervalIndex,
		"path", res.Path,
		"segments", len(reading.Ratios),
		"catalog_changed", res.CatalogChanged,
		"collect_ms", collectDuration.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// laneStatus asks the resolver for the counter-flow lane state. Failures
// leave the state unknown.
func (c *Collector) laneStatus(ctx context.Context) storage.AuxStatus {
	open, err := c.lanes.CounterFlow(ctx)
	if err != nil {
		c.logger.Debug("lane status unavailable", "error", err)
		return storage.AuxStatus{Source: laneSourceUnavailable}
	}
	if open == nil {
		return storage.AuxStatus{}
	}
	return storage.AuxStatus{CounterFlow: open, Source: laneSourceResolver}
}

// nextDelay returns the delay before the tick following now.
func (c *Collector) nextDelay(now time.Time) time.Duration {
	if isPeak(now.In(c.loc)) {
		return c.peakInterval
	}
	return c.interval
}

// isPeak reports whether t falls in weekday rush hours,
// 07:00-09:59 or 16:00-18:59 local time.
func isPeak(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h := t.Hour()
	return (h >= 7 && h < 10) || (h >= 16 && h < 19)
}
