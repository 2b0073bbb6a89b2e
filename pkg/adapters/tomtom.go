package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/corridor/pkg/storage"
)

// DefaultTomTomURL is the TomTom traffic API base.
const DefaultTomTomURL = "https://api.tomtom.com/traffic/services/4"

// subsegmentPoints is the number of coordinates per reported sub-segment.
const subsegmentPoints = 8

// defaultSpeed replaces a missing or zero speed in a flow response.
const defaultSpeed = 50.0

// TomTomAdapter queries flowSegmentData for each point and splits the returned
// road geometry into sub-segments with ids tomtom-<point>-<sub>.
//
// Points that fail are skipped. A collection where every point failed returns
// ErrNoData.
type TomTomAdapter struct {
	// APIKey is required.
	APIKey string

	// BaseURL defaults to DefaultTomTomURL.
	BaseURL string

	// Points defaults to DefaultPoints.
	Points []RoadPoint

	// HTTPClient is optional; if nil a client with a 5s timeout is used.
	HTTPClient *http.Client

	Now    func() time.Time
	Logger *slog.Logger
}

func (a *TomTomAdapter) Name() string { return "tomtom" }

// Collect implements Adapter.
func (a *TomTomAdapter) Collect(ctx context.Context) (*Reading, error) {
	if a.APIKey == "" {
		return nil, errors.New("tomtom adapter: api key is required")
	}

	points := a.Points
	if len(points) == 0 {
		points = DefaultPoints
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cli := a.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 5 * time.Second}
	}

	reading := &Reading{
		ObservedAt: now(),
		Ratios:     make(map[string]float64),
	}
	ok := 0
	for i, p := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		segs, err := a.fetchPoint(ctx, cli, i, p)
		if err != nil {
			logger.Warn("tomtom point failed", "point", p.Name, "error", err)
			continue
		}
		for _, s := range segs {
			reading.Ratios[s.descriptor.ID] = s.ratio
			reading.Segments = append(reading.Segments, s.descriptor)
		}
		ok++
	}

	logger.Debug("tomtom collection finished",
		"points_ok", ok, "points", len(points), "segments", len(reading.Ratios))
	if ok == 0 || len(reading.Ratios) == 0 {
		return nil, fmt.Errorf("%w: all %d tomtom points failed", ErrNoData, len(points))
	}
	return reading, nil
}

type flowSegment struct {
	descriptor storage.SegmentDescriptor
	ratio      float64
}

func (a *TomTomAdapter) fetchPoint(ctx context.Context, cli *http.Client, index int, p RoadPoint) ([]flowSegment, error) {
	base := a.BaseURL
	if base == "" {
		base = DefaultTomTomURL
	}

	q := url.Values{}
	q.Set("point", strconv.FormatFloat(p.Lat, 'f', -1, 64)+","+strconv.FormatFloat(p.Lon, 'f', -1, 64))
	q.Set("key", a.APIKey)
	q.Set("unit", "KMPH")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/flowSegmentData/absolute/10/json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	flow := gjson.GetBytes(body, "flowSegmentData")
	if !flow.Exists() {
		return nil, errors.New("response has no flowSegmentData")
	}

	var coords [][2]float64
	for _, c := range flow.Get("coordinates.coordinate").Array() {
		coords = append(coords, [2]float64{c.Get("longitude").Float(), c.Get("latitude").Float()})
	}
	if len(coords) < 2 {
		return nil, fmt.Errorf("flow segment has %d coordinates", len(coords))
	}

	current := flow.Get("currentSpeed").Float()
	if current <= 0 {
		current = defaultSpeed
	}
	free := flow.Get("freeFlowSpeed").Float()
	if free <= 0 {
		free = defaultSpeed
	}
	ratio := clamp(current/free, 0, 1)

	return splitSegments(index, p, coords, ratio, free), nil
}

// splitSegments cuts coords into runs of subsegmentPoints coordinates. Each
// run shares its last point with the next run so the pieces stay connected.
func splitSegments(index int, p RoadPoint, coords [][2]float64, ratio, freeFlow float64) []flowSegment {
	n := max(1, len(coords)/subsegmentPoints)
	out := make([]flowSegment, 0, n)
	for sub := range n {
		start := sub * subsegmentPoints
		end := min(len(coords), (sub+1)*subsegmentPoints+1)
		part := coords[start:end]
		if len(part) < 2 {
			continue
		}
		out = append(out, flowSegment{
			descriptor: storage.SegmentDescriptor{
				ID:            fmt.Sprintf("tomtom-%d-%d", index, sub),
				Name:          fmt.Sprintf("%s (%d)", p.Name, sub+1),
				RoadType:      p.RoadType,
				Priority:      p.Priority,
				Coordinates:   append([][2]float64(nil), part...),
				FreeFlowSpeed: freeFlow,
			},
			ratio: ratio,
		})
	}
	return out
}
