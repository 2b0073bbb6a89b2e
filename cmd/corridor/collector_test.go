package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/corridor/pkg/adapters"
	"github.com/HatiCode/corridor/pkg/metrics"
	"github.com/HatiCode/corridor/pkg/storage"
	"github.com/HatiCode/corridor/pkg/traffic"
)

type fakeAdapter struct {
	reading *adapters.Reading
	err     error
	calls   atomic.Int32
}

func (a *fakeAdapter) Collect(context.Context) (*adapters.Reading, error) {
	a.calls.Add(1)
	return a.reading, a.err
}

func (a *fakeAdapter) Name() string { return "fake" }

type fakeRecorder struct {
	observations []traffic.Observation
	err          error
}

func (r *fakeRecorder) RecordSnapshot(_ context.Context, obs traffic.Observation) (traffic.RecordResult, error) {
	r.observations = append(r.observations, obs)
	return traffic.RecordResult{ID: int64(len(r.observations)), DayKey: "2025-06-16"}, r.err
}

type fixedLanes struct {
	open *bool
	err  error
}

func (l fixedLanes) CounterFlow(context.Context) (*bool, error) { return l.open, l.err }

func testReading() *adapters.Reading {
	return &adapters.Reading{
		ObservedAt: time.Date(2025, 6, 16, 15, 30, 0, 0, time.UTC),
		Ratios:     map[string]float64{"tomtom-0-0": 0.35},
		Segments:   []storage.SegmentDescriptor{{ID: "tomtom-0-0", Name: "Lions Gate Bridge (1)"}},
	}
}

func newTestCollector(a adapters.Adapter, lanes adapters.LaneResolver, rec Recorder, m *metrics.Metrics) *Collector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCollector(a, lanes, rec, 5*time.Minute, 2*time.Minute, time.UTC, logger, m)
}

func TestIsPeak(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "monday morning rush", at: time.Date(2025, 6, 16, 7, 0, 0, 0, time.UTC), want: true},
		{name: "monday end of morning rush", at: time.Date(2025, 6, 16, 9, 59, 0, 0, time.UTC), want: true},
		{name: "monday mid morning", at: time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC), want: false},
		{name: "friday evening rush", at: time.Date(2025, 6, 20, 18, 30, 0, 0, time.UTC), want: true},
		{name: "friday after rush", at: time.Date(2025, 6, 20, 19, 0, 0, 0, time.UTC), want: false},
		{name: "saturday morning", at: time.Date(2025, 6, 21, 8, 0, 0, 0, time.UTC), want: false},
		{name: "sunday evening", at: time.Date(2025, 6, 22, 17, 0, 0, 0, time.UTC), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPeak(tt.at); got != tt.want {
				t.Errorf("isPeak(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestNextDelay_UsesLocalTime(t *testing.T) {
	loc := time.FixedZone("PDT", -7*3600)
	c := NewCollector(&fakeAdapter{}, nil, &fakeRecorder{}, 5*time.Minute, 2*time.Minute, loc, nil, nil)

	// 15:30 UTC is 08:30 local on a Monday.
	if got := c.nextDelay(time.Date(2025, 6, 16, 15, 30, 0, 0, time.UTC)); got != 2*time.Minute {
		t.Errorf("nextDelay at local rush = %v, want 2m", got)
	}
	// 08:30 UTC is 01:30 local.
	if got := c.nextDelay(time.Date(2025, 6, 16, 8, 30, 0, 0, time.UTC)); got != 5*time.Minute {
		t.Errorf("nextDelay at local night = %v, want 5m", got)
	}
}

func TestNewCollector_ZeroPeakIntervalFallsBack(t *testing.T) {
	c := NewCollector(&fakeAdapter{}, nil, &fakeRecorder{}, 5*time.Minute, 0, nil, nil, nil)
	if c.peakInterval != 5*time.Minute {
		t.Errorf("peakInterval = %v, want interval", c.peakInterval)
	}
}

func TestTick_Records(t *testing.T) {
	open := true
	a := &fakeAdapter{reading: testReading()}
	rec := &fakeRecorder{}
	c := newTestCollector(a, fixedLanes{open: &open}, rec, nil)

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	if len(rec.observations) != 1 {
		t.Fatalf("recorded %d observations, want 1", len(rec.observations))
	}
	obs := rec.observations[0]
	if !obs.ObservedAt.Equal(testReading().ObservedAt) {
		t.Errorf("ObservedAt = %v", obs.ObservedAt)
	}
	if obs.Ratios["tomtom-0-0"] != 0.35 || len(obs.Segments) != 1 {
		t.Errorf("unexpected observation: %+v", obs)
	}
	if obs.Aux.CounterFlow == nil || !*obs.Aux.CounterFlow || obs.Aux.Source != laneSourceResolver {
		t.Errorf("Aux = %+v, want open counter-flow from resolver", obs.Aux)
	}
}

func TestTick_LaneStatus(t *testing.T) {
	tests := []struct {
		name       string
		lanes      adapters.LaneResolver
		wantSource string
	}{
		{name: "unknown", lanes: adapters.UnknownLanes{}, wantSource: ""},
		{name: "resolver error", lanes: fixedLanes{err: errors.New("timeout")}, wantSource: laneSourceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			c := newTestCollector(&fakeAdapter{reading: testReading()}, tt.lanes, rec, nil)

			if err := c.Tick(context.Background()); err != nil {
				t.Fatalf("Tick() error: %v", err)
			}
			aux := rec.observations[0].Aux
			if aux.CounterFlow != nil {
				t.Errorf("CounterFlow = %v, want nil", *aux.CounterFlow)
			}
			if aux.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", aux.Source, tt.wantSource)
			}
		})
	}
}

func TestTick_NoDataIsSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &fakeRecorder{}
	c := newTestCollector(&fakeAdapter{err: fmt.Errorf("all points failed: %w", adapters.ErrNoData)}, nil, rec, m)

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v, want nil for a no-data tick", err)
	}
	if len(rec.observations) != 0 {
		t.Errorf("recorded %d observations, want none", len(rec.observations))
	}
	if got := testutil.ToFloat64(m.CollectErrorsTotal.WithLabelValues("fake", "no_data")); got != 1 {
		t.Errorf("no_data errors = %v, want 1", got)
	}
}

func TestTick_EmptyReadingIsSkipped(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestCollector(&fakeAdapter{reading: &adapters.Reading{}}, nil, rec, nil)

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if len(rec.observations) != 0 {
		t.Errorf("recorded %d observations, want none", len(rec.observations))
	}
}

func TestTick_CollectError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newTestCollector(&fakeAdapter{err: errors.New("dial tcp: refused")}, nil, &fakeRecorder{}, m)

	if err := c.Tick(context.Background()); err == nil {
		t.Fatal("Tick() expected error")
	}
	if got := testutil.ToFloat64(m.CollectErrorsTotal.WithLabelValues("fake", "collect_failed")); got != 1 {
		t.Errorf("collect_failed = %v, want 1", got)
	}
}

func TestTick_PersistenceErrorContinues(t *testing.T) {
	rec := &fakeRecorder{err: fmt.Errorf("%w: disk full", storage.ErrPersistence)}
	c := newTestCollector(&fakeAdapter{reading: testReading()}, nil, rec, nil)

	if err := c.Tick(context.Background()); err != nil {
		t.Errorf("Tick() error = %v, want nil after a persistence failure", err)
	}
}

func TestTick_InvalidSnapshotFails(t *testing.T) {
	rec := &fakeRecorder{err: fmt.Errorf("%w: ratio out of range", storage.ErrInvalidSnapshot)}
	c := newTestCollector(&fakeAdapter{reading: testReading()}, nil, rec, nil)

	if err := c.Tick(context.Background()); !errors.Is(err, storage.ErrInvalidSnapshot) {
		t.Errorf("Tick() error = %v, want ErrInvalidSnapshot", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := &fakeAdapter{reading: testReading()}
	rec := &fakeRecorder{}
	c := newTestCollector(a, nil, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
