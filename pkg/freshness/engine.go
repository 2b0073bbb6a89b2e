// Package freshness decides how a read window is answered from the durable
// store and the in-memory tail.
//
// Fresh durable data is returned as is. Stale, empty or failed durable reads
// are blended with the tail by observation instant. A blend is labelled
// incompatible when the newest snapshots of the two sides share too few
// segment ids, but the blend is still returned.
package freshness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/HatiCode/corridor/pkg/storage"
)

// Source labels how a result was produced.
type Source string

const (
	SourceFresh              Source = "fresh"
	SourceHybridCompatible   Source = "hybrid-compatible"
	SourceHybridIncompatible Source = "hybrid-incompatible"
	SourceNoData             Source = "no-data"
)

const (
	// DefaultStaleThreshold is the maximum age of durable data considered fresh.
	DefaultStaleThreshold = 12 * time.Minute

	// DefaultOverlapThreshold is the minimum overlap ratio of a compatible blend.
	DefaultOverlapThreshold = 0.65
)

var errNoWindower = errors.New("no day windower configured")

// TailReader is the read side of the in-memory tail.
type TailReader interface {
	Between(start, end time.Time) []storage.Snapshot
}

// Windower resolves a service day key into its UTC bounds.
type Windower interface {
	Window(dayKey string) (time.Time, time.Time, error)
}

// Result is the answer for one window.
type Result struct {
	Entries  []Entry                              `json:"intervals"`
	Segments map[string]storage.SegmentDescriptor `json:"segments"`
	Source   Source                               `json:"dataSource"`

	// NewestAt is the observation time of the newest entry, zero when empty.
	NewestAt time.Time `json:"newestAt,omitzero"`
	// NewestAge is the age of NewestAt relative to now.
	NewestAge time.Duration `json:"-"`

	DurableRows  int     `json:"durableRows"`
	TailRows     int     `json:"tailRows"`
	OverlapRatio float64 `json:"overlapRatio,omitempty"`

	// DurableErr is the durable read failure the result degraded from.
	DurableErr error `json:"-"`
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Catalog          storage.Catalog
	Windows          Windower
	StaleThreshold   time.Duration
	OverlapThreshold float64
	Now              func() time.Time
	Logger           *slog.Logger
}

// Engine resolves read windows.
type Engine struct {
	store            storage.Store
	tail             TailReader
	catalog          storage.Catalog
	windows          Windower
	staleThreshold   time.Duration
	overlapThreshold float64
	now              func() time.Time
	logger           *slog.Logger
}

// New creates an Engine reading from store and tail.
func New(store storage.Store, tail TailReader, opts Options) *Engine {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.OverlapThreshold <= 0 {
		opts.OverlapThreshold = DefaultOverlapThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:            store,
		tail:             tail,
		catalog:          opts.Catalog,
		windows:          opts.Windows,
		staleThreshold:   opts.StaleThreshold,
		overlapThreshold: opts.OverlapThreshold,
		now:              opts.Now,
		logger:           opts.Logger.With("component", "freshness"),
	}
}

// Resolve answers the window [start, end).
func (e *Engine) Resolve(ctx context.Context, start, end time.Time) Result {
	durable, err := e.store.ReadRange(ctx, start, end)
	if err != nil {
		e.logger.Warn("durable read failed, serving from tail",
			"start", start, "end", end, "error", err)
		durable = nil
	}

	res := e.decide(durable, func() []storage.Snapshot { return e.tail.Between(start, end) }, end)
	res.DurableErr = err
	e.attachSegments(ctx, &res)
	return res
}

// ResolveDays answers each service day independently. Every key is present
// in the result.
func (e *Engine) ResolveDays(ctx context.Context, dayKeys []string) map[string]Result {
	byDay, err := e.store.ReadDays(ctx, dayKeys)
	if err != nil {
		e.logger.Warn("durable day read failed, serving from tail",
			"days", len(dayKeys), "error", err)
		byDay = nil
	}

	out := make(map[string]Result, len(dayKeys))
	for _, day := range dayKeys {
		if _, done := out[day]; done {
			continue
		}
		start, end, werr := e.window(day)
		tailFor := func() []storage.Snapshot {
			if werr != nil {
				return nil
			}
			return filterDay(e.tail.Between(start, end), day)
		}
		ref := end
		if werr != nil {
			ref = e.now()
		}

		res := e.decide(byDay[day], tailFor, ref)
		res.DurableErr = err
		e.attachSegments(ctx, &res)
		out[day] = res
	}
	return out
}

func (e *Engine) window(day string) (time.Time, time.Time, error) {
	if e.windows == nil {
		return time.Time{}, time.Time{}, errNoWindower
	}
	return e.windows.Window(day)
}

// decide labels and merges one window. windowEnd bounds the freshness
// reference point so a closed window is judged against its own end.
func (e *Engine) decide(durable []storage.Snapshot, tailFor func() []storage.Snapshot, windowEnd time.Time) Result {
	now := e.now()
	ref := now
	if windowEnd.Before(now) {
		ref = windowEnd
	}

	var res Result
	if len(durable) > 0 && ref.Sub(newest(durable)) <= e.staleThreshold {
		res.Entries = fromDurable(durable)
		res.Source = SourceFresh
		res.Segments = unionSegments(durable, nil)
	} else {
		tailRows := tailFor()
		res.Segments = unionSegments(durable, tailRows)
		switch {
		case len(durable) == 0 && len(tailRows) == 0:
			res.Source = SourceNoData
		case len(tailRows) == 0:
			// Stale durable rows with nothing to blend: TailRows stays 0.
			res.Entries = fromDurable(durable)
			res.Source = SourceHybridCompatible
		case len(durable) == 0:
			res.Entries = Merge(nil, tailRows)
			res.Source = SourceHybridCompatible
		default:
			res.OverlapRatio = OverlapRatio(
				latest(durable).Payload.Ratios,
				latest(tailRows).Payload.Ratios,
			)
			res.Source = SourceHybridCompatible
			if res.OverlapRatio < e.overlapThreshold {
				res.Source = SourceHybridIncompatible
			}
			res.Entries = Merge(durable, tailRows)
		}
	}

	if res.Entries == nil {
		res.Entries = []Entry{}
	}
	for _, en := range res.Entries {
		if en.Origin == OriginTail {
			res.TailRows++
		} else {
			res.DurableRows++
		}
	}
	if n := len(res.Entries); n > 0 {
		res.NewestAt = res.Entries[n-1].ObservedAt
		res.NewestAge = now.Sub(res.NewestAt)
	}
	return res
}

// attachSegments strips embedded descriptors from the entries and backfills
// ids the entries reference but the union does not describe.
func (e *Engine) attachSegments(ctx context.Context, res *Result) {
	segments := res.Segments
	if segments == nil {
		segments = make(map[string]storage.SegmentDescriptor)
	}
	for i := range res.Entries {
		res.Entries[i].Payload.Segments = nil
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, en := range res.Entries {
		for id := range en.Payload.Ratios {
			if _, ok := segments[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 && e.catalog != nil {
		found, err := e.catalog.GetByIDs(ctx, missing)
		if err != nil {
			e.logger.Warn("segment catalog backfill failed", "missing", len(missing), "error", err)
		}
		for id, d := range found {
			segments[id] = d
		}
	}

	res.Segments = segments
}

// unionSegments collects embedded descriptors, durable first and tail last so
// tail descriptors win on a shared id.
func unionSegments(durable, tail []storage.Snapshot) map[string]storage.SegmentDescriptor {
	out := make(map[string]storage.SegmentDescriptor)
	for _, list := range [][]storage.Snapshot{durable, tail} {
		for _, s := range list {
			for id, d := range s.Payload.Segments {
				if d.ID == "" {
					d.ID = id
				}
				out[id] = d
			}
		}
	}
	return out
}

func newest(list []storage.Snapshot) time.Time {
	var t time.Time
	for _, s := range list {
		if s.ObservedAt.After(t) {
			t = s.ObservedAt
		}
	}
	return t
}

func latest(list []storage.Snapshot) storage.Snapshot {
	best := list[0]
	for _, s := range list[1:] {
		if s.ObservedAt.After(best.ObservedAt) {
			best = s
		}
	}
	return best
}

func filterDay(list []storage.Snapshot, day string) []storage.Snapshot {
	out := list[:0:0]
	for _, s := range list {
		if s.DayKey == day {
			out = append(out, s)
		}
	}
	return out
}
