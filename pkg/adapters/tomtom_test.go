package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// flowJSON returns a flowSegmentData response with n coordinates.
func flowJSON(current, free float64, n int) string {
	coords := make([]string, n)
	for i := range n {
		coords[i] = fmt.Sprintf(`{"latitude": %.4f, "longitude": %.4f}`, 49.3+float64(i)*0.001, -123.1+float64(i)*0.001)
	}
	return fmt.Sprintf(`{"flowSegmentData": {"frc": "FRC2", "currentSpeed": %g, "freeFlowSpeed": %g,
		"confidence": 0.9, "coordinates": {"coordinate": [%s]}}}`, current, free, strings.Join(coords, ","))
}

var testPoints = []RoadPoint{
	{Name: "Lions Gate Bridge", Lat: 49.3154, Lon: -123.1384, RoadType: "bridge", Priority: PriorityHigh},
	{Name: "Keith Road", Lat: 49.3120, Lon: -123.0700, RoadType: "arterial", Priority: PriorityMedium},
}

func TestTomTomAdapter_Collect(t *testing.T) {
	observed := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/flowSegmentData/absolute/10/json") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("key = %q, want secret", r.URL.Query().Get("key"))
		}
		if r.URL.Query().Get("unit") != "KMPH" {
			t.Errorf("unit = %q, want KMPH", r.URL.Query().Get("unit"))
		}
		switch r.URL.Query().Get("point") {
		case "49.3154,-123.1384":
			fmt.Fprint(w, flowJSON(30, 60, 17))
		case "49.312,-123.07":
			fmt.Fprint(w, flowJSON(80, 50, 5))
		default:
			t.Errorf("unexpected point %q", r.URL.Query().Get("point"))
		}
	}))
	defer server.Close()

	a := &TomTomAdapter{
		APIKey:  "secret",
		BaseURL: server.URL,
		Points:  testPoints,
		Now:     func() time.Time { return observed },
	}

	reading, err := a.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if !reading.ObservedAt.Equal(observed) {
		t.Errorf("ObservedAt = %v, want %v", reading.ObservedAt, observed)
	}

	// 17 coordinates make two sub-segments; 5 make one.
	if len(reading.Ratios) != 3 {
		t.Fatalf("got %d ratios, want 3: %v", len(reading.Ratios), reading.Ratios)
	}
	if got := reading.Ratios["tomtom-0-0"]; got != 0.5 {
		t.Errorf("tomtom-0-0 ratio = %v, want 0.5", got)
	}
	if got := reading.Ratios["tomtom-0-1"]; got != 0.5 {
		t.Errorf("tomtom-0-1 ratio = %v, want 0.5", got)
	}
	if got := reading.Ratios["tomtom-1-0"]; got != 1 {
		t.Errorf("tomtom-1-0 ratio = %v, want clamped to 1", got)
	}

	if len(reading.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(reading.Segments))
	}
	first := reading.Segments[0]
	if first.ID != "tomtom-0-0" || first.Name != "Lions Gate Bridge (1)" {
		t.Errorf("first segment = %s %q", first.ID, first.Name)
	}
	if first.RoadType != "bridge" || first.Priority != PriorityHigh {
		t.Errorf("first segment type/priority = %s/%s", first.RoadType, first.Priority)
	}
	if len(first.Coordinates) != 9 {
		t.Errorf("first segment has %d coordinates, want 9", len(first.Coordinates))
	}
	if first.Coordinates[0] != [2]float64{-123.1, 49.3} {
		t.Errorf("coordinates must be [lon, lat], got %v", first.Coordinates[0])
	}
	if first.FreeFlowSpeed != 60 {
		t.Errorf("FreeFlowSpeed = %v, want 60", first.FreeFlowSpeed)
	}
	if got := len(reading.Segments[1].Coordinates); got != 9 {
		t.Errorf("second segment has %d coordinates, want 9", got)
	}
}

func TestTomTomAdapter_SkipsFailedPoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("point") == "49.3154,-123.1384" {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, flowJSON(25, 50, 3))
	}))
	defer server.Close()

	a := &TomTomAdapter{APIKey: "k", BaseURL: server.URL, Points: testPoints}
	reading, err := a.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(reading.Ratios) != 1 {
		t.Fatalf("got %d ratios, want 1", len(reading.Ratios))
	}
	if _, ok := reading.Ratios["tomtom-1-0"]; !ok {
		t.Errorf("missing tomtom-1-0, got %v", reading.Ratios)
	}
}

func TestTomTomAdapter_NoDataWhenAllPointsFail(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "server errors", handler: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{name: "no flow data", handler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error": "point out of range"}`)
		}},
		{name: "single coordinate", handler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, flowJSON(40, 50, 1))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			a := &TomTomAdapter{APIKey: "k", BaseURL: server.URL, Points: testPoints}
			_, err := a.Collect(context.Background())
			if !errors.Is(err, ErrNoData) {
				t.Errorf("err = %v, want ErrNoData", err)
			}
		})
	}
}

func TestTomTomAdapter_MissingSpeedsDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"flowSegmentData": {"currentSpeed": 25, "coordinates": {"coordinate": [
			{"latitude": 49.1, "longitude": -123.1}, {"latitude": 49.2, "longitude": -123.2}]}}}`)
	}))
	defer server.Close()

	a := &TomTomAdapter{APIKey: "k", BaseURL: server.URL, Points: testPoints[:1]}
	reading, err := a.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if got := reading.Ratios["tomtom-0-0"]; got != 0.5 {
		t.Errorf("ratio = %v, want 25/50", got)
	}
}

func TestTomTomAdapter_RequiresKey(t *testing.T) {
	a := &TomTomAdapter{}
	if _, err := a.Collect(context.Background()); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestTomTomAdapter_StopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		fmt.Fprint(w, flowJSON(25, 50, 3))
	}))
	defer server.Close()

	a := &TomTomAdapter{APIKey: "k", BaseURL: server.URL, Points: testPoints}
	if _, err := a.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d calls after cancel, want 1", calls.Load())
	}
}

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		coords int
		want   []int
	}{
		{coords: 2, want: []int{2}},
		{coords: 8, want: []int{8}},
		{coords: 9, want: []int{9}},
		{coords: 16, want: []int{9, 8}},
		{coords: 24, want: []int{9, 9, 8}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d coordinates", tt.coords), func(t *testing.T) {
			coords := make([][2]float64, tt.coords)
			for i := range coords {
				coords[i] = [2]float64{float64(i), 0}
			}
			segs := splitSegments(3, testPoints[0], coords, 0.4, 60)
			if len(segs) != len(tt.want) {
				t.Fatalf("got %d segments, want %d", len(segs), len(tt.want))
			}
			for i, s := range segs {
				if len(s.descriptor.Coordinates) != tt.want[i] {
					t.Errorf("segment %d has %d coordinates, want %d", i, len(s.descriptor.Coordinates), tt.want[i])
				}
				if want := fmt.Sprintf("tomtom-3-%d", i); s.descriptor.ID != want {
					t.Errorf("segment %d id = %s, want %s", i, s.descriptor.ID, want)
				}
			}
		})
	}
}
