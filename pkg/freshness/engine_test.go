package freshness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/corridor/pkg/bucket"
	"github.com/HatiCode/corridor/pkg/storage"
	"github.com/HatiCode/corridor/pkg/tail"
)

var (
	now         = time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
	windowStart = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)
)

func snapAt(at time.Time, ratios map[string]float64, segs ...storage.SegmentDescriptor) storage.Snapshot {
	s := storage.Snapshot{
		ObservedAt:    at,
		DayKey:        at.Format(bucket.DayKeyLayout),
		IntervalIndex: bucket.CurrentEpochOffset + (at.Hour()*60+at.Minute())/2,
		SchemaVersion: bucket.SchemaVersionCurrent,
		Payload:       storage.Payload{Ratios: ratios, CapturedAt: at},
	}
	if len(segs) > 0 {
		s.Payload.Segments = make(map[string]storage.SegmentDescriptor, len(segs))
		for _, d := range segs {
			s.Payload.Segments[d.ID] = d
		}
	}
	return s
}

func abRatios() map[string]float64 {
	return map[string]float64{"seg-a": 0.4, "seg-b": 0.6}
}

type fixture struct {
	store   *storage.MemoryStore
	tail    *tail.Ring
	catalog *storage.MemoryCatalog
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := bucket.New(bucket.Config{StepMinutes: 2, Offset: bucket.CurrentEpochOffset})
	require.NoError(t, err)

	f := &fixture{
		store:   storage.NewMemoryStore(),
		tail:    tail.NewRing(100),
		catalog: storage.NewMemoryCatalog(),
	}
	f.engine = New(f.store, f.tail, Options{
		Catalog:        f.catalog,
		Windows:        b,
		StaleThreshold: 12 * time.Minute,
		Now:            func() time.Time { return now },
	})
	return f
}

func (f *fixture) persist(t *testing.T, s storage.Snapshot) {
	t.Helper()
	_, err := f.store.Upsert(context.Background(), s)
	require.NoError(t, err)
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, storage.Snapshot) (storage.UpsertResult, error) {
	return storage.UpsertResult{}, storage.ErrPersistence
}

func (failingStore) ReadRange(context.Context, time.Time, time.Time) ([]storage.Snapshot, error) {
	return nil, storage.ErrPersistence
}

func (failingStore) ReadDays(context.Context, []string) (map[string][]storage.Snapshot, error) {
	return nil, storage.ErrPersistence
}

func TestResolve_FreshDurableIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	f.persist(t, snapAt(now.Add(-5*time.Minute), abRatios()))
	f.tail.Append(snapAt(now.Add(-time.Minute), abRatios()))

	res := f.engine.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, SourceFresh, res.Source)
	assert.Equal(t, 1, res.DurableRows)
	assert.Equal(t, 0, res.TailRows)
	assert.Equal(t, 5*time.Minute, res.NewestAge)
	assert.NoError(t, res.DurableErr)
}

func TestResolve_StaleDurableBlendsWithTail(t *testing.T) {
	f := newFixture(t)
	f.persist(t, snapAt(now.Add(-20*time.Minute), abRatios()))
	f.persist(t, snapAt(now.Add(-22*time.Minute), abRatios()))
	tailNewest := now.Add(-time.Minute)
	f.tail.Append(snapAt(now.Add(-3*time.Minute), abRatios()))
	f.tail.Append(snapAt(tailNewest, abRatios()))

	res := f.engine.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, SourceHybridCompatible, res.Source)
	assert.True(t, res.NewestAt.Equal(tailNewest), "newest = %v, want tail newest %v", res.NewestAt, tailNewest)
	assert.Equal(t, 2, res.DurableRows)
	assert.Equal(t, 2, res.TailRows)
	assert.Equal(t, 1.0, res.OverlapRatio)
	require.Len(t, res.Entries, 4)
	for i := 1; i < len(res.Entries); i++ {
		assert.True(t, res.Entries[i-1].ObservedAt.Before(res.Entries[i].ObservedAt))
	}
}

func TestResolve_IncompatibleBlendIsStillReturned(t *testing.T) {
	f := newFixture(t)
	f.persist(t, snapAt(now.Add(-30*time.Minute), map[string]float64{"old-1": 0.2, "old-2": 0.3, "old-3": 0.4}))
	f.tail.Append(snapAt(now.Add(-time.Minute), map[string]float64{"tomtom-0-0": 0.5, "tomtom-0-1": 0.6, "old-1": 0.2}))

	res := f.engine.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, SourceHybridIncompatible, res.Source)
	assert.InDelta(t, 1.0/3.0, res.OverlapRatio, 1e-9)
	assert.Equal(t, 1, res.DurableRows)
	assert.Equal(t, 1, res.TailRows)
}

func TestResolve_DurableErrorDegradesToTail(t *testing.T) {
	ring := tail.NewRing(10)
	ring.Append(snapAt(now.Add(-time.Minute), abRatios()))
	e := New(failingStore{}, ring, Options{Now: func() time.Time { return now }})

	res := e.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, SourceHybridCompatible, res.Source)
	assert.Equal(t, 1, res.TailRows)
	assert.ErrorIs(t, res.DurableErr, storage.ErrPersistence)
}

func TestResolve_NoData(t *testing.T) {
	e := New(failingStore{}, tail.NewRing(10), Options{Now: func() time.Time { return now }})

	res := e.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, SourceNoData, res.Source)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
	assert.NotNil(t, res.Segments)
	assert.True(t, res.NewestAt.IsZero())
}

func TestResolve_StaleWithoutTail(t *testing.T) {
	f := newFixture(t)
	f.persist(t, snapAt(now.Add(-40*time.Minute), abRatios()))

	res := f.engine.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, SourceHybridCompatible, res.Source)
	assert.Equal(t, 1, res.DurableRows)
	assert.Equal(t, 0, res.TailRows)
	assert.Equal(t, 40*time.Minute, res.NewestAge)
}

func TestResolve_ClosedWindowJudgedOnItsEnd(t *testing.T) {
	f := newFixture(t)
	yesterdayEnd := windowStart
	f.persist(t, snapAt(yesterdayEnd.Add(-4*time.Minute), abRatios()))

	res := f.engine.Resolve(context.Background(), yesterdayEnd.Add(-24*time.Hour), yesterdayEnd)

	assert.Equal(t, SourceFresh, res.Source)
	assert.Greater(t, res.NewestAge, 12*time.Hour, "age is still reported against now")
}

func TestResolve_BackfillsSegmentsFromCatalog(t *testing.T) {
	f := newFixture(t)
	_, err := f.catalog.UpsertMany(context.Background(), []storage.SegmentDescriptor{
		{ID: "seg-b", Name: "Catalogued", RoadType: "highway"},
	})
	require.NoError(t, err)
	f.persist(t, snapAt(now.Add(-time.Minute), abRatios(), storage.SegmentDescriptor{ID: "seg-a", Name: "Embedded"}))

	res := f.engine.Resolve(context.Background(), windowStart, windowEnd)

	require.Contains(t, res.Segments, "seg-a")
	require.Contains(t, res.Segments, "seg-b")
	assert.Equal(t, "Embedded", res.Segments["seg-a"].Name)
	assert.Equal(t, "Catalogued", res.Segments["seg-b"].Name)
	for _, en := range res.Entries {
		assert.Nil(t, en.Payload.Segments, "descriptors are lifted out of entries")
	}
}

func TestResolve_TailDescriptorsWinUnion(t *testing.T) {
	f := newFixture(t)
	f.persist(t, snapAt(now.Add(-30*time.Minute), abRatios(), storage.SegmentDescriptor{ID: "seg-a", Name: "durable"}))
	f.tail.Append(snapAt(now.Add(-time.Minute), abRatios(), storage.SegmentDescriptor{ID: "seg-a", Name: "tail"}))

	res := f.engine.Resolve(context.Background(), windowStart, windowEnd)

	assert.Equal(t, "tail", res.Segments["seg-a"].Name)
}

func TestResolveDays(t *testing.T) {
	f := newFixture(t)
	f.persist(t, snapAt(time.Date(2025, 6, 14, 18, 0, 0, 0, time.UTC), abRatios()))
	f.tail.Append(snapAt(now.Add(-time.Minute), abRatios()))

	got := f.engine.ResolveDays(context.Background(), []string{"2025-06-14", "2025-06-15", "2025-06-13"})

	require.Len(t, got, 3)
	assert.Equal(t, SourceHybridCompatible, got["2025-06-14"].Source, "closed day ended 6h after its last sample")
	assert.Equal(t, 0, got["2025-06-14"].TailRows)
	assert.Equal(t, SourceHybridCompatible, got["2025-06-15"].Source)
	assert.Equal(t, 1, got["2025-06-15"].TailRows)
	assert.Equal(t, SourceNoData, got["2025-06-13"].Source)
}

func TestResolveDays_DurableErrorUsesTail(t *testing.T) {
	b, err := bucket.New(bucket.Config{StepMinutes: 2})
	require.NoError(t, err)
	ring := tail.NewRing(10)
	ring.Append(snapAt(now.Add(-time.Minute), abRatios()))
	e := New(failingStore{}, ring, Options{Windows: b, Now: func() time.Time { return now }})

	got := e.ResolveDays(context.Background(), []string{"2025-06-15"})

	assert.Equal(t, SourceHybridCompatible, got["2025-06-15"].Source)
	assert.True(t, errors.Is(got["2025-06-15"].DurableErr, storage.ErrPersistence))
}
