package traffic

import (
	"context"
	"time"

	"github.com/HatiCode/corridor/pkg/bucket"
)

// Pinger is implemented by stores that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// StatsDays is the number of service days, ending today, summarized in
// Health.StoreStats.
const StatsDays = 7

// DayStats summarizes the durable snapshots of one service day.
type DayStats struct {
	Day       string    `json:"day"`
	Intervals int       `json:"intervals"`
	First     time.Time `json:"firstSnapshot"`
	Last      time.Time `json:"lastSnapshot"`
}

// Health is the diagnostics report used by external watchdogs.
type Health struct {
	Status string `json:"status"`

	CacheEntries  map[string]int `json:"cacheEntries"`
	CacheInFlight int            `json:"cacheInFlight"`

	QueueDepth    int `json:"queueDepth"`
	InFlightReads int `json:"inFlightReads"`
	MaxConcurrent int `json:"maxConcurrent"`

	MemoryBytes    uint64 `json:"memoryBytes"`
	SoftLimitBytes uint64 `json:"softLimitBytes,omitempty"`
	HardLimitBytes uint64 `json:"hardLimitBytes,omitempty"`

	TailLength   int `json:"tailLength"`
	TailCapacity int `json:"tailCapacity"`

	// SecondsSinceLastWrite is -1 before the first successful write.
	SecondsSinceLastWrite float64    `json:"secondsSinceLastWrite"`
	LastWriteAt           *time.Time `json:"lastWriteAt,omitempty"`
	LastWritePath         string     `json:"lastWritePath,omitempty"`
	LastWriteError        string     `json:"lastWriteError,omitempty"`

	StoreError string `json:"storeError,omitempty"`

	// StoreStats lists days with durable rows, newest first. A failed read
	// leaves it empty and sets StatsError without degrading Status.
	StoreStats []DayStats `json:"storeStats"`
	StatsError string     `json:"statsError,omitempty"`
}

// Health reports current diagnostics. Status is degraded when the latest
// write failed or the store does not answer a ping.
func (s *Service) Health(ctx context.Context) Health {
	soft, hard := s.admission.Limits()
	h := Health{
		Status: StatusOK,
		CacheEntries: map[string]int{
			CacheToday:     s.today.Len(),
			CacheDayWindow: s.window.Len(),
			CacheDays:      s.days.Len(),
		},
		CacheInFlight:         s.today.InFlight() + s.window.InFlight() + s.days.InFlight(),
		QueueDepth:            s.admission.QueueDepth(),
		InFlightReads:         s.admission.InFlight(),
		MaxConcurrent:         s.admission.MaxConcurrent(),
		MemoryBytes:           s.admission.MemoryUsage(),
		SoftLimitBytes:        soft,
		HardLimitBytes:        hard,
		TailLength:            s.tail.Len(),
		TailCapacity:          s.tail.Capacity(),
		SecondsSinceLastWrite: -1,
	}

	s.mu.RLock()
	last := s.lastWrite
	s.mu.RUnlock()

	if !last.at.IsZero() {
		at := last.at
		h.LastWriteAt = &at
		h.LastWritePath = string(last.path)
		h.SecondsSinceLastWrite = s.now().Sub(last.at).Seconds()
	}
	if last.err != nil {
		h.LastWriteError = last.err.Error()
		h.Status = StatusDegraded
	}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(pctx); err != nil {
			h.StoreError = err.Error()
			h.Status = StatusDegraded
		}
	}

	stats, err := s.storeStats(pctx)
	if err != nil {
		h.StatsError = err.Error()
	}
	h.StoreStats = stats
	return h
}

// storeStats reads the last StatsDays service days from durable storage.
func (s *Service) storeStats(ctx context.Context) ([]DayStats, error) {
	today, _ := s.bucketer.Bucket(s.now())
	keys := make([]string, 0, StatsDays)
	for i := range StatsDays {
		k, err := bucket.ShiftDay(today, -i)
		if err != nil {
			return []DayStats{}, err
		}
		keys = append(keys, k)
	}

	days, err := s.store.ReadDays(ctx, keys)
	if err != nil {
		return []DayStats{}, err
	}

	out := []DayStats{}
	for _, k := range keys {
		rows := days[k]
		if len(rows) == 0 {
			continue
		}
		st := DayStats{Day: k, Intervals: len(rows), First: rows[0].ObservedAt, Last: rows[0].ObservedAt}
		for _, r := range rows[1:] {
			if r.ObservedAt.Before(st.First) {
				st.First = r.ObservedAt
			}
			if r.ObservedAt.After(st.Last) {
				st.Last = r.ObservedAt
			}
		}
		out = append(out, st)
	}
	return out, nil
}
