// Package admission bounds concurrent expensive reads.
//
// At most MaxConcurrent tickets are outstanding. Further callers wait in FIFO
// order for up to QueueTimeout. Memory usage is sampled before queueing: at
// or above the hard limit the caller is rejected without entering the queue,
// at or above the soft limit the response cache is purged before the read and
// again after it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrAdmissionTimeout is returned when a queued caller waited longer
	// than the queue timeout.
	ErrAdmissionTimeout = errors.New("admission queue timeout")

	// ErrMemoryPressure is returned when memory usage is at or above the
	// hard limit.
	ErrMemoryPressure = errors.New("memory pressure")
)

const (
	DefaultMaxConcurrent = 4
	DefaultQueueTimeout  = 5 * time.Second
	DefaultRetryAfter    = 5 * time.Second
)

// Rejection reasons reported to the Observer.
const (
	ReasonTimeout  = "timeout"
	ReasonMemory   = "memory"
	ReasonCanceled = "canceled"
)

// MemoryPressureError is the concrete error behind ErrMemoryPressure.
type MemoryPressureError struct {
	Label      string
	UsageBytes uint64
	LimitBytes uint64
	RetryAfter time.Duration
}

func (e *MemoryPressureError) Error() string {
	return fmt.Sprintf("memory pressure: %s rejected at %d bytes (hard limit %d)", e.Label, e.UsageBytes, e.LimitBytes)
}

func (e *MemoryPressureError) Unwrap() error { return ErrMemoryPressure }

// Retryable reports whether err is a transient admission failure and the
// delay to suggest to the client.
func Retryable(err error) (time.Duration, bool) {
	var mp *MemoryPressureError
	if errors.As(err, &mp) {
		return mp.RetryAfter, true
	}
	if errors.Is(err, ErrMemoryPressure) {
		return DefaultRetryAfter, true
	}
	if errors.Is(err, ErrAdmissionTimeout) {
		return time.Second, true
	}
	return 0, false
}

// Observer receives admission events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveWait(label string, waited time.Duration)
	ObserveReject(label, reason string)
}

// Options configures a Controller.
type Options struct {
	MaxConcurrent  int
	QueueTimeout   time.Duration
	SoftLimitBytes uint64 // 0 disables
	HardLimitBytes uint64 // 0 disables
	RetryAfter     time.Duration

	Sampler MemorySampler

	// OnSoftPressure is called when usage crossed the soft limit, before
	// the read and after its release.
	OnSoftPressure func()

	Observer Observer
	Logger   *slog.Logger
}

// Controller hands out tickets for heavy reads.
type Controller struct {
	sem          *semaphore.Weighted
	max          int
	queueTimeout time.Duration
	soft, hard   uint64
	retryAfter   time.Duration
	sampler      MemorySampler
	onSoft       func()
	observer     Observer
	logger       *slog.Logger

	queued    atomic.Int64
	inflight  atomic.Int64
	lastUsage atomic.Uint64
}

// New creates a Controller.
func New(opts Options) *Controller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		max:          opts.MaxConcurrent,
		queueTimeout: opts.QueueTimeout,
		soft:         opts.SoftLimitBytes,
		hard:         opts.HardLimitBytes,
		retryAfter:   opts.RetryAfter,
		sampler:      opts.Sampler,
		onSoft:       opts.OnSoftPressure,
		observer:     opts.Observer,
		logger:       opts.Logger.With("component", "admission"),
	}
}

// Ticket is permission to run one heavy read. Release must be called exactly
// once; extra calls are no-ops.
type Ticket struct {
	c       *Controller
	label   string
	waited  time.Duration
	soft    bool
	release sync.Once
}

// Waited returns how long the caller spent in the queue.
func (t *Ticket) Waited() time.Duration { return t.waited }

// WaitedMs returns Waited in whole milliseconds.
func (t *Ticket) WaitedMs() int64 { return t.waited.Milliseconds() }

// Label returns the label passed to Acquire.
func (t *Ticket) Label() string { return t.label }

// Release returns the ticket and admits the next queued caller.
func (t *Ticket) Release() {
	t.release.Do(func() {
		t.c.inflight.Add(-1)
		t.c.sem.Release(1)
		if t.soft {
			t.c.purge(t.label, "after read")
		}
	})
}

// Acquire waits for a ticket. It returns a *MemoryPressureError without
// queueing when usage is at or above the hard limit, an error wrapping
// ErrAdmissionTimeout when the queue timeout elapses, and ctx.Err() when the
// caller's context ends first.
func (c *Controller) Acquire(ctx context.Context, label string) (*Ticket, error) {
	usage := c.sample()
	if c.hard > 0 && usage >= c.hard {
		c.reject(label, ReasonMemory)
		c.logger.Warn("heavy read rejected under memory pressure",
			"label", label, "usage_bytes", usage, "hard_limit_bytes", c.hard)
		return nil, &MemoryPressureError{
			Label:      label,
			UsageBytes: usage,
			LimitBytes: c.hard,
			RetryAfter: c.retryAfter,
		}
	}

	soft := c.soft > 0 && usage >= c.soft
	if soft {
		c.purge(label, "before read")
	}

	start := time.Now()
	c.queued.Add(1)
	waitCtx, cancel := context.WithTimeout(ctx, c.queueTimeout)
	err := c.sem.Acquire(waitCtx, 1)
	cancel()
	c.queued.Add(-1)
	waited := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.reject(label, ReasonCanceled)
			return nil, ctxErr
		}
		c.reject(label, ReasonTimeout)
		return nil, fmt.Errorf("%w: %s waited %s", ErrAdmissionTimeout, label, waited.Round(time.Millisecond))
	}

	c.inflight.Add(1)
	if c.observer != nil {
		c.observer.ObserveWait(label, waited)
	}
	return &Ticket{c: c, label: label, waited: waited, soft: soft}, nil
}

func (c *Controller) sample() uint64 {
	if c.sampler == nil {
		return 0
	}
	usage, err := c.sampler.Sample()
	if err != nil {
		c.logger.Debug("memory sample failed", "error", err)
		return c.lastUsage.Load()
	}
	c.lastUsage.Store(usage)
	return usage
}

func (c *Controller) purge(label, when string) {
	if c.onSoft == nil {
		return
	}
	c.logger.Debug("soft memory limit reached, purging caches", "label", label, "when", when)
	c.onSoft()
}

func (c *Controller) reject(label, reason string) {
	if c.observer != nil {
		c.observer.ObserveReject(label, reason)
	}
}

// QueueDepth returns the number of callers waiting for a ticket.
func (c *Controller) QueueDepth() int { return int(c.queued.Load()) }

// InFlight returns the number of outstanding tickets.
func (c *Controller) InFlight() int { return int(c.inflight.Load()) }

// MaxConcurrent returns the ticket limit.
func (c *Controller) MaxConcurrent() int { return c.max }

// MemoryUsage samples memory usage in bytes. It falls back to the last good
// reading when the sampler fails.
func (c *Controller) MemoryUsage() uint64 { return c.sample() }

// Limits returns the soft and hard memory limits in bytes (0 = disabled).
func (c *Controller) Limits() (soft, hard uint64) { return c.soft, c.hard }
