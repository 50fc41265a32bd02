// Package scheduler runs periodic sweeps on tickers until their context is
// cancelled. Each registered sweep runs on its own goroutine and never
// overlaps with itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neill-k/generic-corp-sub004/internal/metrics"
)

// Ticker is the subset of *time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time   { return r.t.C }
func (r realTicker) Reset(d time.Duration) { r.t.Reset(d) }
func (r realTicker) Stop()                 { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// SweepFunc is one pass of a periodic job.
type SweepFunc func(ctx context.Context) error

type entry struct {
	name     string
	fn       SweepFunc
	interval atomic.Int64
	enabled  atomic.Bool
	reset    chan time.Duration
	mu       sync.Mutex // serialises runs of this sweep
}

// Scheduler owns a set of named sweeps.
type Scheduler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newTicker TickerFunc

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicker replaces the ticker source.
func WithTicker(f TickerFunc) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithMetrics records sweep durations and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates an empty scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:    logger,
		newTicker: newRealTicker,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a sweep. It must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, enabled bool, fn SweepFunc) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: %s: already started", name)
	}
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("scheduler: %s: already registered", name)
	}
	e := &entry{name: name, fn: fn, reset: make(chan time.Duration, 1)}
	e.interval.Store(int64(interval))
	e.enabled.Store(enabled)
	s.entries[name] = e
	return nil
}

// Start launches one goroutine per sweep. The goroutines exit when ctx is
// cancelled; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
}

// Wait blocks until every sweep goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	t := s.newTicker(time.Duration(e.interval.Load()))
	defer t.Stop()

	s.logger.Info("sweep scheduled", "sweep", e.name,
		"interval", time.Duration(e.interval.Load()).String(), "enabled", e.enabled.Load())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep stopped", "sweep", e.name)
			return
		case d := <-e.reset:
			t.Reset(d)
		case <-t.C():
			if !e.enabled.Load() {
				continue
			}
			_ = s.run(ctx, e, e.fn)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry, fn SweepFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	s.metrics.RecordSweep(e.name, elapsed.Seconds(), err)
	if err != nil {
		// next tick retries
		s.logger.Error("sweep failed", "sweep", e.name, "error", err, "duration", elapsed.String())
		return err
	}
	s.logger.Debug("sweep finished", "sweep", e.name, "duration", elapsed.String())
	return nil
}

// RunNow runs the named sweep immediately, waiting for an in-flight run of
// the same sweep to finish first. It runs even when the sweep is disabled.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.run(ctx, e, e.fn)
}

// RunWith runs fn in place of the named sweep's registered function, holding
// the same lock, so it never overlaps a scheduled run of that sweep.
func (s *Scheduler) RunWith(ctx context.Context, name string, fn SweepFunc) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.run(ctx, e, fn)
}

// SetInterval changes the period of a sweep. The new period applies from the
// next tick.
func (s *Scheduler) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("scheduler: %s: interval must be positive", name)
	}
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	if time.Duration(e.interval.Swap(int64(d))) == d {
		return nil
	}
	// keep only the latest pending reset
	select {
	case <-e.reset:
	default:
	}
	e.reset <- d
	s.logger.Info("sweep interval changed", "sweep", name, "interval", d.String())
	return nil
}

// SetEnabled turns scheduled runs of a sweep on or off.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	if e.enabled.Swap(enabled) != enabled {
		s.logger.Info("sweep toggled", "sweep", name, "enabled", enabled)
	}
	return nil
}

// Interval reports the current period of a sweep.
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	e, err := s.lookup(name)
	if err != nil {
		return 0, false
	}
	return time.Duration(e.interval.Load()), true
}

// Enabled reports whether scheduled runs of a sweep are on.
func (s *Scheduler) Enabled(name string) bool {
	e, err := s.lookup(name)
	return err == nil && e.enabled.Load()
}

func (s *Scheduler) lookup(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown sweep %q", name)
	}
	return e, nil
}
