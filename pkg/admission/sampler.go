package admission

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how long a memory sample is reused.
const DefaultSampleInterval = time.Second

// MemorySampler reports current process memory usage in bytes.
type MemorySampler interface {
	Sample() (uint64, error)
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func() (uint64, error)

// Sample calls f.
func (f SamplerFunc) Sample() (uint64, error) { return f() }

// cachedSampler reuses a reading for interval to keep sampling off the hot
// path of every request.
type cachedSampler struct {
	read     func() (uint64, error)
	interval time.Duration

	mu        sync.RWMutex
	cached    uint64
	lastCheck time.Time
}

func (s *cachedSampler) Sample() (uint64, error) {
	s.mu.RLock()
	if !s.lastCheck.IsZero() && time.Since(s.lastCheck) < s.interval {
		v := s.cached
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check another goroutine didn't just refresh it
	if !s.lastCheck.IsZero() && time.Since(s.lastCheck) < s.interval {
		return s.cached, nil
	}

	v, err := s.read()
	if err != nil {
		return 0, err
	}
	s.cached = v
	s.lastCheck = time.Now()
	return v, nil
}

// NewHeapSampler samples the Go heap (HeapAlloc).
func NewHeapSampler(interval time.Duration) MemorySampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &cachedSampler{
		interval: interval,
		read: func() (uint64, error) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc, nil
		},
	}
}

// NewProcessSampler samples the resident set size of this process.
func NewProcessSampler(interval time.Duration) (MemorySampler, error) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect process: %w", err)
	}
	return &cachedSampler{
		interval: interval,
		read: func() (uint64, error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			info, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return 0, fmt.Errorf("failed to read process memory: %w", err)
			}
			return info.RSS, nil
		},
	}, nil
}
