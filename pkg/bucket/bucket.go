// Package bucket maps observation instants to service days and fixed-width
// interval slots.
//
// A service day is a civil 24-hour period in a reference time zone that starts
// at a configurable local hour. With StartHour=4 an observation at 03:59 local
// time belongs to the previous calendar date. Each service day is split into
// slots of StepMinutes; the slot ordinal plus an epoch offset is the interval
// index stored alongside every snapshot.
//
// Two bucketing schemes have been live against the same table over time, so
// indices carry an epoch offset (see epoch.go) that keeps the index ranges of
// the legacy and current schemes disjoint.
package bucket

import (
	"errors"
	"fmt"
	"time"
)

// DayKeyLayout is the layout of service-day keys (YYYY-MM-DD).
const DayKeyLayout = "2006-01-02"

const minutesPerDay = 24 * 60

// maxWindowIterations bounds the civil-to-UTC fixed-point search.
const maxWindowIterations = 3

// windowEpsilon is the convergence tolerance of the fixed-point search.
const windowEpsilon = 500 * time.Millisecond

// ErrInvalidDayKey is returned when a day key is not a YYYY-MM-DD date.
var ErrInvalidDayKey = errors.New("invalid day key")

// Config describes a bucketing scheme.
type Config struct {
	// Location is the reference time zone. Nil means UTC.
	Location *time.Location

	// StartHour is the local hour (0-23) at which a service day begins.
	StartHour int

	// StepMinutes is the slot width in minutes (1-1440).
	StepMinutes int

	// Offset is added to every interval index. It is 0 for the legacy epoch
	// and CurrentEpochOffset for the current one.
	Offset int
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	if c.StartHour < 0 || c.StartHour > 23 {
		return fmt.Errorf("start hour must be 0-23, got %d", c.StartHour)
	}
	if c.StepMinutes <= 0 || c.StepMinutes > minutesPerDay {
		return fmt.Errorf("step must be 1-%d minutes, got %d", minutesPerDay, c.StepMinutes)
	}
	if c.Offset < 0 {
		return fmt.Errorf("offset cannot be negative, got %d", c.Offset)
	}
	return nil
}

// Bucketer assigns instants to (service day, interval index) buckets.
// It holds no mutable state and is safe for concurrent use.
type Bucketer struct {
	loc       *time.Location
	startHour int
	step      int
	offset    int
}

// New creates a Bucketer from cfg.
func New(cfg Config) (*Bucketer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Bucketer{
		loc:       loc,
		startHour: cfg.StartHour,
		step:      cfg.StepMinutes,
		offset:    cfg.Offset,
	}, nil
}

// Location returns the reference time zone.
func (b *Bucketer) Location() *time.Location { return b.loc }

// Offset returns the epoch offset added to every index.
func (b *Bucketer) Offset() int { return b.offset }

// SlotsPerDay returns the number of distinct slots in one service day.
func (b *Bucketer) SlotsPerDay() int {
	return (minutesPerDay + b.step - 1) / b.step
}

// Bucket returns the service-day key and interval index for t.
//
// The index is always within [Offset, Offset+SlotsPerDay).
func (b *Bucketer) Bucket(t time.Time) (string, int) {
	local := t.In(b.loc)
	y, m, d := local.Date()
	if local.Hour() < b.startHour {
		y, m, d = time.Date(y, m, d-1, 12, 0, 0, 0, time.UTC).Date()
	}
	dayKey := fmt.Sprintf("%04d-%02d-%02d", y, int(m), d)

	elapsed := local.Hour()*60 + local.Minute() - b.startHour*60
	elapsed = ((elapsed % minutesPerDay) + minutesPerDay) % minutesPerDay

	return dayKey, elapsed/b.step + b.offset
}

// Window returns the [start, end) UTC bounds of the service day dayKey.
func (b *Bucketer) Window(dayKey string) (time.Time, time.Time, error) {
	day, err := ParseDayKey(dayKey)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	y, m, d := day.Date()
	start := civilToUTC(y, m, d, b.startHour, b.loc)
	end := civilToUTC(y, m, d+1, b.startHour, b.loc)
	return start, end, nil
}

// civilToUTC resolves hour:00 local time on the given civil date to an
// instant. Zone offsets depend on the instant being resolved, so the offset is
// re-evaluated at each guess until the guess stops moving.
func civilToUTC(y int, m time.Month, d, hour int, loc *time.Location) time.Time {
	naive := time.Date(y, m, d, hour, 0, 0, 0, time.UTC)
	guess := naive
	for i := 0; i < maxWindowIterations; i++ {
		_, offset := guess.In(loc).Zone()
		next := naive.Add(-time.Duration(offset) * time.Second)
		delta := next.Sub(guess)
		guess = next
		if delta < windowEpsilon && delta > -windowEpsilon {
			break
		}
	}
	return guess
}

// ParseDayKey parses a YYYY-MM-DD key into a UTC midnight date.
func ParseDayKey(dayKey string) (time.Time, error) {
	day, err := time.Parse(DayKeyLayout, dayKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidDayKey, dayKey, err)
	}
	return day, nil
}

// ShiftDay returns the key n civil days after dayKey (n may be negative).
func ShiftDay(dayKey string, n int) (string, error) {
	day, err := ParseDayKey(dayKey)
	if err != nil {
		return "", err
	}
	return day.AddDate(0, 0, n).Format(DayKeyLayout), nil
}

// DayRange returns the keys from center-radius to center+radius inclusive,
// in ascending order.
func DayRange(center string, radius int) ([]string, error) {
	if radius < 0 {
		return nil, fmt.Errorf("radius cannot be negative, got %d", radius)
	}
	day, err := ParseDayKey(center)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		keys = append(keys, day.AddDate(0, 0, i).Format(DayKeyLayout))
	}
	return keys, nil
}
