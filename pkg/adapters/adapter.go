// Package adapters provides corridor's traffic data sources. Each adapter
// produces one Reading per collector tick: congestion ratios keyed by segment
// id plus the descriptors of the segments it reports.
//
// Available adapters:
//   - TomTomAdapter: live flow data from the TomTom flowSegmentData API
//   - SyntheticAdapter: time-of-day congestion model used without an API key
//
// A LaneResolver reports the best-effort counter-flow lane status that the
// collector attaches to every snapshot.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/HatiCode/corridor/pkg/storage"
)

// ErrNoData is returned when a source produced nothing usable for a tick.
// The collector skips such ticks without persisting anything.
var ErrNoData = errors.New("no traffic data")

// Reading is the result of one collection.
type Reading struct {
	ObservedAt time.Time
	Ratios     map[string]float64
	Segments   []storage.SegmentDescriptor
}

// Adapter is the interface every traffic source implements.
//
// Collect is synchronous and should respect context cancellation.
type Adapter interface {
	Collect(ctx context.Context) (*Reading, error)

	// Name returns a short identifier, e.g. "tomtom".
	Name() string
}

// LaneResolver reports whether the counter-flow lane is open. A nil status
// means unknown.
type LaneResolver interface {
	CounterFlow(ctx context.Context) (*bool, error)
}

// UnknownLanes is a LaneResolver that never knows the lane status.
type UnknownLanes struct{}

// CounterFlow implements LaneResolver.
func (UnknownLanes) CounterFlow(context.Context) (*bool, error) { return nil, nil }

// Road priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// RoadPoint is a monitored location.
type RoadPoint struct {
	Name     string
	Lat      float64
	Lon      float64
	RoadType string
	Priority string
}

// DefaultPoints are the monitored North Shore locations.
var DefaultPoints = []RoadPoint{
	{Name: "Lions Gate Bridge", Lat: 49.3154, Lon: -123.1384, RoadType: "bridge", Priority: PriorityHigh},
	{Name: "Ironworkers Memorial Bridge", Lat: 49.2935, Lon: -123.0232, RoadType: "bridge", Priority: PriorityHigh},
	{Name: "Upper Levels West", Lat: 49.3280, Lon: -123.0600, RoadType: "highway", Priority: PriorityHigh},
	{Name: "Upper Levels East", Lat: 49.3300, Lon: -123.0900, RoadType: "highway", Priority: PriorityHigh},
	{Name: "Lonsdale Avenue", Lat: 49.3200, Lon: -123.0736, RoadType: "arterial", Priority: PriorityHigh},
	{Name: "Capilano Road", Lat: 49.3200, Lon: -123.1140, RoadType: "arterial", Priority: PriorityMedium},
	{Name: "Lynn Valley Road", Lat: 49.3200, Lon: -123.0350, RoadType: "arterial", Priority: PriorityMedium},
	{Name: "Marine Drive", Lat: 49.3250, Lon: -123.0800, RoadType: "arterial", Priority: PriorityHigh},
	{Name: "Keith Road", Lat: 49.3120, Lon: -123.0700, RoadType: "arterial", Priority: PriorityMedium},
	{Name: "Mountain Highway", Lat: 49.3300, Lon: -123.0500, RoadType: "arterial", Priority: PriorityMedium},
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
