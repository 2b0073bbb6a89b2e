// Package traffic is the service facade over the snapshot store, the
// in-memory tail, the freshness engine, the response caches and read
// admission.
//
// A Service is built once per process and shared by the collector and the
// HTTP layer. Every successful or attempted write purges all response
// caches; reads are cached per query and built behind admission control.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HatiCode/corridor/pkg/admission"
	"github.com/HatiCode/corridor/pkg/bucket"
	"github.com/HatiCode/corridor/pkg/cache"
	"github.com/HatiCode/corridor/pkg/freshness"
	"github.com/HatiCode/corridor/pkg/storage"
	"github.com/HatiCode/corridor/pkg/tail"
)

// ErrInvalidArgument is returned for malformed query parameters.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultCacheTTL     = 30 * time.Second
	DefaultMaxDaysBack  = 7
	DefaultMaxRadius    = 7
	DefaultMaxBatchDays = 31
)

// Metrics receives service events. A nil Metrics disables them.
type Metrics interface {
	ObserveUpsert(path storage.UpsertPath)
	ObservePersistenceError(op string)
	ObserveCatalogChanged(n int)
	ObserveSource(query string, source freshness.Source, newestAge time.Duration)
}

// Config wires a Service. Store, Tail and Bucketer are required.
type Config struct {
	Bucketer *bucket.Bucketer
	Store    storage.Store
	Catalog  storage.Catalog
	Tail     *tail.Ring

	StaleThreshold time.Duration
	CacheTTL       time.Duration
	CacheMaxKeys   int

	// Admission configures heavy read control. OnSoftPressure is chained
	// after the service's own cache purge.
	Admission admission.Options

	// EmbedSegments keeps descriptors inside durable payloads. When false
	// they are written to the catalog only.
	EmbedSegments bool

	MaxDaysBack  int
	MaxRadius    int
	MaxBatchDays int

	Now     func() time.Time
	Metrics Metrics
	Logger  *slog.Logger
}

// Service implements recording and querying of traffic snapshots.
type Service struct {
	bucketer  *bucket.Bucketer
	store     storage.Store
	catalog   storage.Catalog
	tail      *tail.Ring
	engine    *freshness.Engine
	admission *admission.Controller

	today  *cache.Cache[*TodayResponse]
	window *cache.Cache[*WindowResponse]
	days   *cache.Cache[*DaysResponse]

	cacheTTL       time.Duration
	staleThreshold time.Duration
	embedSegments  bool
	maxDaysBack    int
	maxRadius      int
	maxBatchDays   int

	now     func() time.Time
	metrics Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	lastWrite writeStatus
}

type writeStatus struct {
	at      time.Time
	path    storage.UpsertPath
	id      int64
	err     error
	errorAt time.Time
}

// New creates a Service from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Bucketer == nil {
		return nil, errors.New("bucketer is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Tail == nil {
		return nil, errors.New("tail is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = storage.NewMemoryCatalog()
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = freshness.DefaultStaleThreshold
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxDaysBack <= 0 {
		cfg.MaxDaysBack = DefaultMaxDaysBack
	}
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = DefaultMaxRadius
	}
	if cfg.MaxBatchDays <= 0 {
		cfg.MaxBatchDays = DefaultMaxBatchDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		bucketer:       cfg.Bucketer,
		store:          cfg.Store,
		catalog:        cfg.Catalog,
		tail:           cfg.Tail,
		cacheTTL:       cfg.CacheTTL,
		staleThreshold: cfg.StaleThreshold,
		embedSegments:  cfg.EmbedSegments,
		maxDaysBack:    cfg.MaxDaysBack,
		maxRadius:      cfg.MaxRadius,
		maxBatchDays:   cfg.MaxBatchDays,
		now:            cfg.Now,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("component", "traffic"),
	}

	cacheOpts := cache.Options{MaxKeys: cfg.CacheMaxKeys, Now: cfg.Now}
	s.today = cache.New[*TodayResponse](cacheOpts)
	s.window = cache.New[*WindowResponse](cacheOpts)
	s.days = cache.New[*DaysResponse](cacheOpts)

	s.engine = freshness.New(cfg.Store, cfg.Tail, freshness.Options{
		Catalog:        cfg.Catalog,
		Windows:        cfg.Bucketer,
		StaleThreshold: cfg.StaleThreshold,
		Now:            cfg.Now,
		Logger:         cfg.Logger,
	})

	admOpts := cfg.Admission
	chained := admOpts.OnSoftPressure
	admOpts.OnSoftPressure = func() {
		n := s.PurgeCaches()
		s.logger.Info("purged response caches under memory pressure", "entries", n)
		if chained != nil {
			chained()
		}
	}
	if admOpts.Logger == nil {
		admOpts.Logger = cfg.Logger
	}
	s.admission = admission.New(admOpts)

	return s, nil
}

// Observation is one collector tick.
type Observation struct {
	// ObservedAt defaults to the service clock when zero.
	ObservedAt time.Time
	Ratios     map[string]float64
	Segments   []storage.SegmentDescriptor
	Aux        storage.AuxStatus
}

// RecordResult describes a recorded observation.
type RecordResult struct {
	ID             int64              `json:"id"`
	DayKey         string             `json:"dayKey"`
	IntervalIndex  int                `json:"intervalIndex"`
	Path           storage.UpsertPath `json:"path,omitempty"`
	Persisted      bool               `json:"persisted"`
	CatalogChanged int                `json:"catalogChanged"`
}

// RecordSnapshot buckets obs, appends it to the tail and writes it to the
// durable store. A persistence failure is returned wrapped in
// storage.ErrPersistence after the tail has been updated; the caller decides
// whether to log and continue.
func (s *Service) RecordSnapshot(ctx context.Context, obs Observation) (RecordResult, error) {
	observed := obs.ObservedAt
	if observed.IsZero() {
		observed = s.now()
	}
	observed = observed.UTC().Truncate(time.Millisecond)

	day, idx := s.bucketer.Bucket(observed)
	snap := storage.Snapshot{
		ObservedAt:    observed,
		DayKey:        day,
		IntervalIndex: idx,
		SchemaVersion: s.schemaVersion(),
		Payload: storage.Payload{
			Ratios:     obs.Ratios,
			Aux:        obs.Aux,
			CapturedAt: observed,
		},
	}
	if len(obs.Segments) > 0 {
		snap.Payload.Segments = make(map[string]storage.SegmentDescriptor, len(obs.Segments))
		for _, d := range obs.Segments {
			snap.Payload.Segments[d.ID] = d
		}
	}
	if err := storage.Validate(snap); err != nil {
		return RecordResult{}, err
	}

	res := RecordResult{DayKey: day, IntervalIndex: idx}

	s.tail.Append(snap)
	defer s.PurgeCaches()

	durable := snap.Clone()
	if !s.embedSegments {
		durable.Payload.Segments = nil
	}

	up, err := s.store.Upsert(ctx, durable)
	if err != nil {
		s.observePersistenceError("upsert")
		s.setWriteError(err)
		s.logger.Error("snapshot write failed",
			"day_key", day, "interval_index", idx, "error", err)
		if !errors.Is(err, storage.ErrPersistence) {
			err = fmt.Errorf("%w: %w", storage.ErrPersistence, err)
		}
		return res, err
	}
	res.ID = up.ID
	res.Path = up.Path
	res.Persisted = true
	if s.metrics != nil {
		s.metrics.ObserveUpsert(up.Path)
	}

	if len(obs.Segments) > 0 {
		changed, err := s.catalog.UpsertMany(ctx, obs.Segments)
		if err != nil {
			s.observePersistenceError("catalog")
			s.logger.Warn("segment catalog upsert failed", "segments", len(obs.Segments), "error", err)
		}
		res.CatalogChanged = changed
		if s.metrics != nil && changed > 0 {
			s.metrics.ObserveCatalogChanged(changed)
		}
	}

	s.setWritten(up)
	s.logger.Debug("snapshot recorded",
		"id", up.ID, "day_key", day, "interval_index", idx,
		"path", up.Path, "segments", len(obs.Ratios), "catalog_changed", res.CatalogChanged)
	return res, nil
}

// schemaVersion tags written rows with the epoch of the bucketer offset.
func (s *Service) schemaVersion() int {
	if s.bucketer.Offset() >= bucket.CurrentEpochOffset {
		return bucket.SchemaVersionCurrent
	}
	return bucket.SchemaVersionLegacy
}

// Cache names reported by CacheStats and Health.
const (
	CacheToday     = "today"
	CacheDayWindow = "day-window"
	CacheDays      = "days"
)

// CacheStats returns the statistics of each response cache by name.
func (s *Service) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		CacheToday:     s.today.Stats(),
		CacheDayWindow: s.window.Stats(),
		CacheDays:      s.days.Stats(),
	}
}

// PurgeCaches clears every response cache and returns the number of entries
// removed.
func (s *Service) PurgeCaches() int {
	return s.today.Purge() + s.window.Purge() + s.days.Purge()
}

func (s *Service) setWritten(up storage.UpsertResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWrite.at = s.now()
	s.lastWrite.path = up.Path
	s.lastWrite.id = up.ID
	s.lastWrite.err = nil
}

func (s *Service) setWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWrite.err = err
	s.lastWrite.errorAt = s.now()
}

func (s *Service) observePersistenceError(op string) {
	if s.metrics != nil {
		s.metrics.ObservePersistenceError(op)
	}
}

// Admission returns the heavy read controller.
func (s *Service) Admission() *admission.Controller { return s.admission }
