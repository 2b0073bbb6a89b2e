package traffic

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/corridor/pkg/bucket"
	"github.com/HatiCode/corridor/pkg/freshness"
	"github.com/HatiCode/corridor/pkg/storage"
)

// Freshness describes how current a response is.
type Freshness struct {
	NewestAt              *time.Time `json:"newestAt,omitempty"`
	AgeSeconds            float64    `json:"ageSeconds"`
	StaleThresholdSeconds float64    `json:"staleThresholdSeconds"`
	DurableRows           int        `json:"durableRows"`
	TailRows              int        `json:"tailRows"`
	OverlapRatio          float64    `json:"overlapRatio,omitempty"`
	DurableError          string     `json:"durableError,omitempty"`
}

// Window is a UTC time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TodayResponse answers QueryToday.
type TodayResponse struct {
	ServiceDay  string                               `json:"serviceDay"`
	DaysBack    int                                  `json:"daysBack"`
	Window      Window                               `json:"window"`
	Intervals   []freshness.Entry                    `json:"intervals"`
	Segments    map[string]storage.SegmentDescriptor `json:"segments"`
	DataSource  freshness.Source                     `json:"dataSource"`
	Freshness   Freshness                            `json:"freshness"`
	WaitedMs    int64                                `json:"waitedMs"`
	GeneratedAt time.Time                            `json:"generatedAt"`
}

// WindowResponse answers QueryDayWindow.
type WindowResponse struct {
	CenterDay   string                               `json:"centerDay"`
	Radius      int                                  `json:"radius"`
	Days        []string                             `json:"days"`
	Window      Window                               `json:"window"`
	Intervals   []freshness.Entry                    `json:"intervals"`
	Segments    map[string]storage.SegmentDescriptor `json:"segments"`
	DataSource  freshness.Source                     `json:"dataSource"`
	Freshness   Freshness                            `json:"freshness"`
	WaitedMs    int64                                `json:"waitedMs"`
	GeneratedAt time.Time                            `json:"generatedAt"`
}

// DayResponse is one day of a batch read.
type DayResponse struct {
	Intervals  []freshness.Entry                    `json:"intervals"`
	Segments   map[string]storage.SegmentDescriptor `json:"segments"`
	DataSource freshness.Source                     `json:"dataSource"`
}

// DaysResponse answers QueryDays.
type DaysResponse struct {
	Days        map[string]DayResponse `json:"days"`
	WaitedMs    int64                  `json:"waitedMs"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// QueryToday returns the current service day plus daysBack previous days.
func (s *Service) QueryToday(ctx context.Context, daysBack int) (*TodayResponse, error) {
	if daysBack < 0 || daysBack > s.maxDaysBack {
		return nil, fmt.Errorf("%w: daysBack must be 0-%d, got %d", ErrInvalidArgument, s.maxDaysBack, daysBack)
	}

	key := "today:" + strconv.Itoa(daysBack)
	return s.today.GetOrBuild(ctx, key, s.cacheTTL, func(ctx context.Context) (*TodayResponse, error) {
		ticket, err := s.admission.Acquire(ctx, "today")
		if err != nil {
			return nil, err
		}
		defer ticket.Release()

		today, _ := s.bucketer.Bucket(s.now())
		first, err := bucket.ShiftDay(today, -daysBack)
		if err != nil {
			return nil, err
		}
		start, end, err := s.span(first, today)
		if err != nil {
			return nil, err
		}

		res := s.engine.Resolve(ctx, start, end)
		s.observeSource("today", res)

		return &TodayResponse{
			ServiceDay:  today,
			DaysBack:    daysBack,
			Window:      Window{Start: start, End: end},
			Intervals:   res.Entries,
			Segments:    res.Segments,
			DataSource:  res.Source,
			Freshness:   s.freshnessOf(res),
			WaitedMs:    ticket.WaitedMs(),
			GeneratedAt: s.now(),
		}, nil
	})
}

// QueryDayWindow returns the days centerDay-radius to centerDay+radius.
func (s *Service) QueryDayWindow(ctx context.Context, centerDay string, radius int) (*WindowResponse, error) {
	if radius < 0 || radius > s.maxRadius {
		return nil, fmt.Errorf("%w: radius must be 0-%d, got %d", ErrInvalidArgument, s.maxRadius, radius)
	}
	days, err := bucket.DayRange(centerDay, radius)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	key := "window:" + centerDay + ":" + strconv.Itoa(radius)
	return s.window.GetOrBuild(ctx, key, s.cacheTTL, func(ctx context.Context) (*WindowResponse, error) {
		ticket, err := s.admission.Acquire(ctx, "day-window")
		if err != nil {
			return nil, err
		}
		defer ticket.Release()

		start, end, err := s.span(days[0], days[len(days)-1])
		if err != nil {
			return nil, err
		}

		res := s.engine.Resolve(ctx, start, end)
		s.observeSource("day-window", res)

		return &WindowResponse{
			CenterDay:   centerDay,
			Radius:      radius,
			Days:        days,
			Window:      Window{Start: start, End: end},
			Intervals:   res.Entries,
			Segments:    res.Segments,
			DataSource:  res.Source,
			Freshness:   s.freshnessOf(res),
			WaitedMs:    ticket.WaitedMs(),
			GeneratedAt: s.now(),
		}, nil
	})
}

// QueryDays returns each requested day independently. Duplicate keys are
// collapsed.
func (s *Service) QueryDays(ctx context.Context, dayKeys []string) (*DaysResponse, error) {
	keys := slices.Clone(dayKeys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: at least one day is required", ErrInvalidArgument)
	}
	if len(keys) > s.maxBatchDays {
		return nil, fmt.Errorf("%w: at most %d days per batch, got %d", ErrInvalidArgument, s.maxBatchDays, len(keys))
	}
	for _, k := range keys {
		if _, err := bucket.ParseDayKey(k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	key := "days:" + strings.Join(keys, ",")
	return s.days.GetOrBuild(ctx, key, s.cacheTTL, func(ctx context.Context) (*DaysResponse, error) {
		ticket, err := s.admission.Acquire(ctx, "days")
		if err != nil {
			return nil, err
		}
		defer ticket.Release()

		resolved := s.engine.ResolveDays(ctx, keys)
		out := make(map[string]DayResponse, len(resolved))
		for day, res := range resolved {
			s.observeSource("days", res)
			out[day] = DayResponse{
				Intervals:  res.Entries,
				Segments:   res.Segments,
				DataSource: res.Source,
			}
		}

		return &DaysResponse{
			Days:        out,
			WaitedMs:    ticket.WaitedMs(),
			GeneratedAt: s.now(),
		}, nil
	})
}

// span returns the UTC range from the start of first to the end of last.
func (s *Service) span(first, last string) (time.Time, time.Time, error) {
	start, _, err := s.bucketer.Window(first)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	_, end, err := s.bucketer.Window(last)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (s *Service) freshnessOf(res freshness.Result) Freshness {
	f := Freshness{
		StaleThresholdSeconds: s.staleThreshold.Seconds(),
		DurableRows:           res.DurableRows,
		TailRows:              res.TailRows,
		OverlapRatio:          res.OverlapRatio,
	}
	if !res.NewestAt.IsZero() {
		at := res.NewestAt
		f.NewestAt = &at
		f.AgeSeconds = res.NewestAge.Seconds()
	}
	if res.DurableErr != nil {
		f.DurableError = res.DurableErr.Error()
	}
	return f
}

func (s *Service) observeSource(query string, res freshness.Result) {
	if s.metrics != nil {
		s.metrics.ObserveSource(query, res.Source, res.NewestAge)
	}
}
