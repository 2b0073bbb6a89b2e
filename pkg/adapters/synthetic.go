package adapters

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/HatiCode/corridor/pkg/storage"
)

// syntheticStep is the longitude width of one generated sub-segment.
const syntheticStep = 0.002

// SyntheticAdapter generates congestion from time of day, day of week, road
// type and priority. Ratios are clamped to [0.1, 1].
//
// Segment ids match the TomTom adapter's so switching sources keeps the same
// catalog entries.
type SyntheticAdapter struct {
	// Points defaults to DefaultPoints.
	Points []RoadPoint

	// Location is the local time zone for rush-hour rules. Nil means UTC.
	Location *time.Location

	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	Now  func() time.Time
}

func (a *SyntheticAdapter) Name() string { return "synthetic" }

// Collect implements Adapter.
func (a *SyntheticAdapter) Collect(ctx context.Context) (*Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	points := a.Points
	if len(points) == 0 {
		points = DefaultPoints
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	rnd := rand.Float64
	if a.Rand != nil {
		rnd = a.Rand
	}
	loc := a.Location
	if loc == nil {
		loc = time.UTC
	}

	at := now()
	local := at.In(loc)
	reading := &Reading{ObservedAt: at, Ratios: make(map[string]float64)}

	for i, p := range points {
		for sub := range segmentsFor(p.Priority) {
			id := fmt.Sprintf("tomtom-%d-%d", i, sub)
			lon := p.Lon + float64(sub)*syntheticStep
			reading.Ratios[id] = SyntheticRatio(p.RoadType, p.Priority, local.Hour(), local.Weekday(), rnd)
			reading.Segments = append(reading.Segments, storage.SegmentDescriptor{
				ID:          id,
				Name:        fmt.Sprintf("%s (%d)", p.Name, sub+1),
				RoadType:    p.RoadType,
				Priority:    p.Priority,
				Coordinates: [][2]float64{{lon, p.Lat}, {lon + syntheticStep, p.Lat}},
			})
		}
	}
	return reading, nil
}

func segmentsFor(priority string) int {
	switch priority {
	case PriorityHigh:
		return 8
	case PriorityMedium:
		return 4
	default:
		return 2
	}
}

// SyntheticRatio returns a congestion ratio for a road at the given local
// hour and weekday. rnd supplies the jitter within each band.
func SyntheticRatio(roadType, priority string, hour int, day time.Weekday, rnd func() float64) float64 {
	band := func(lo, width float64) float64 { return lo + rnd()*width }

	weekend := day == time.Saturday || day == time.Sunday
	rush := (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19)

	var ratio float64
	switch {
	case !weekend && rush:
		switch roadType {
		case "bridge":
			ratio = band(0.3, 0.2)
		case "highway":
			ratio = band(0.4, 0.2)
		case "arterial":
			ratio = band(0.5, 0.3)
		default:
			ratio = band(0.7, 0.2)
		}
	case !weekend:
		if roadType == "bridge" {
			ratio = band(0.6, 0.3)
		} else {
			ratio = band(0.8, 0.2)
		}
	case hour >= 10 && hour <= 16:
		ratio = band(0.7, 0.2)
	case hour >= 17 && hour <= 21:
		// Weekend evening return traffic.
		switch roadType {
		case "bridge":
			ratio = band(0.2, 0.2)
		case "highway":
			ratio = band(0.3, 0.2)
		case "arterial":
			ratio = band(0.4, 0.3)
		default:
			ratio = band(0.6, 0.2)
		}
	default:
		ratio = band(0.85, 0.15)
	}

	switch priority {
	case PriorityHigh:
		ratio *= 0.9
	case PriorityLow:
		ratio = min(1, ratio*1.1)
	}
	return clamp(ratio, 0.1, 1)
}
