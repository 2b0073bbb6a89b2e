package adapters

import (
	"context"
	"math"
	"testing"
	"time"
)

func constRand(v float64) func() float64 { return func() float64 { return v } }

func TestSyntheticRatio(t *testing.T) {
	tests := []struct {
		name     string
		roadType string
		priority string
		hour     int
		day      time.Weekday
		rnd      float64
		want     float64
	}{
		{name: "weekday rush bridge", roadType: "bridge", priority: PriorityMedium, hour: 8, day: time.Tuesday, rnd: 0, want: 0.3},
		{name: "weekday rush highway high priority", roadType: "highway", priority: PriorityHigh, hour: 17, day: time.Monday, rnd: 0.5, want: 0.45},
		{name: "weekday rush collector", roadType: "collector", priority: PriorityMedium, hour: 19, day: time.Friday, rnd: 1, want: 0.9},
		{name: "weekday off-peak bridge", roadType: "bridge", priority: PriorityMedium, hour: 12, day: time.Wednesday, rnd: 0, want: 0.6},
		{name: "weekday off-peak arterial low priority", roadType: "arterial", priority: PriorityLow, hour: 13, day: time.Thursday, rnd: 1, want: 1},
		{name: "weekend afternoon", roadType: "highway", priority: PriorityMedium, hour: 11, day: time.Saturday, rnd: 0.5, want: 0.8},
		{name: "weekend evening bridge", roadType: "bridge", priority: PriorityHigh, hour: 18, day: time.Sunday, rnd: 0, want: 0.18},
		{name: "weekend night", roadType: "arterial", priority: PriorityMedium, hour: 2, day: time.Sunday, rnd: 0, want: 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SyntheticRatio(tt.roadType, tt.priority, tt.hour, tt.day, constRand(tt.rnd))
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SyntheticRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyntheticRatio_Clamped(t *testing.T) {
	for hour := range 24 {
		for day := time.Sunday; day <= time.Saturday; day++ {
			for _, rt := range []string{"bridge", "highway", "arterial", "collector"} {
				for _, p := range []string{PriorityHigh, PriorityMedium, PriorityLow} {
					for _, r := range []float64{0, 0.5, 0.999} {
						got := SyntheticRatio(rt, p, hour, day, constRand(r))
						if got < 0.1 || got > 1 {
							t.Fatalf("%s/%s %v %02d:00 rnd=%v: ratio %v outside [0.1, 1]", rt, p, day, hour, r, got)
						}
					}
				}
			}
		}
	}
}

func TestSyntheticAdapter_Collect(t *testing.T) {
	at := time.Date(2025, 6, 16, 15, 30, 0, 0, time.UTC) // Monday 08:30 in Vancouver
	loc, err := time.LoadLocation("America/Vancouver")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	a := &SyntheticAdapter{
		Points:   testPoints,
		Location: loc,
		Rand:     constRand(0),
		Now:      func() time.Time { return at },
	}

	reading, err := a.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if !reading.ObservedAt.Equal(at) {
		t.Errorf("ObservedAt = %v, want %v", reading.ObservedAt, at)
	}

	// High priority gets 8 sub-segments, medium 4.
	if len(reading.Ratios) != 12 || len(reading.Segments) != 12 {
		t.Fatalf("got %d ratios and %d segments, want 12", len(reading.Ratios), len(reading.Segments))
	}
	if got := reading.Ratios["tomtom-0-7"]; math.Abs(got-0.27) > 1e-9 {
		t.Errorf("bridge rush ratio = %v, want 0.27", got)
	}
	if got := reading.Ratios["tomtom-1-3"]; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("arterial rush ratio = %v, want 0.5", got)
	}
	for _, s := range reading.Segments {
		if _, ok := reading.Ratios[s.ID]; !ok {
			t.Errorf("segment %s has no ratio", s.ID)
		}
		if len(s.Coordinates) != 2 {
			t.Errorf("segment %s has %d coordinates, want 2", s.ID, len(s.Coordinates))
		}
	}
}

func TestSyntheticAdapter_DefaultPoints(t *testing.T) {
	a := &SyntheticAdapter{}
	reading, err := a.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}

	want := 0
	for _, p := range DefaultPoints {
		want += segmentsFor(p.Priority)
	}
	if len(reading.Ratios) != want {
		t.Errorf("got %d ratios, want %d", len(reading.Ratios), want)
	}
}

func TestSyntheticAdapter_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&SyntheticAdapter{}).Collect(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
