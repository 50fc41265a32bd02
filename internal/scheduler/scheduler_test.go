package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	resets  []time.Duration
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Reset(d time.Duration) {
	m.mu.Lock()
	m.resets = append(m.resets, d)
	m.mu.Unlock()
}

func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) Resets() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.resets...)
}

func (m *manualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func newManual() (*manualTicker, TickerFunc) {
	mt := &manualTicker{ch: make(chan time.Time)}
	return mt, func(time.Duration) Ticker { return mt }
}

func TestSweepRunsOnEachTick(t *testing.T) {
	mt, tf := newManual()
	s := New(nil, WithTicker(tf))

	runs := make(chan struct{}, 10)
	require.NoError(t, s.Add("stuck", time.Minute, true, func(context.Context) error {
		runs <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	for i := 0; i < 3; i++ {
		mt.ch <- time.Now()
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatalf("sweep did not run on tick %d", i)
		}
	}

	cancel()
	s.Wait()
	assert.True(t, mt.Stopped())
}

func TestFailedSweepRetriesNextTick(t *testing.T) {
	mt, tf := newManual()
	s := New(nil, WithTicker(tf))

	var calls atomic.Int32
	done := make(chan struct{}, 10)
	require.NoError(t, s.Add("nudge", time.Minute, true, func(context.Context) error {
		defer func() { done <- struct{}{} }()
		if calls.Add(1) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); s.Wait() }()
	s.Start(ctx)

	mt.ch <- time.Now()
	<-done
	mt.ch <- time.Now()
	<-done
	assert.Equal(t, int32(2), calls.Load())
}

func TestDisabledSweepSkipsTicks(t *testing.T) {
	mt, tf := newManual()
	s := New(nil, WithTicker(tf))

	var calls atomic.Int32
	require.NoError(t, s.Add("nudge", time.Minute, false, func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	mt.ch <- time.Now()
	mt.ch <- time.Now()
	cancel()
	s.Wait()

	assert.Equal(t, int32(0), calls.Load())

	// RunNow ignores the enabled flag
	require.NoError(t, s.RunNow(context.Background(), "nudge"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSetIntervalResetsTicker(t *testing.T) {
	mt, tf := newManual()
	s := New(nil, WithTicker(tf))
	require.NoError(t, s.Add("stuck", 5*time.Minute, true, func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	require.NoError(t, s.SetInterval("stuck", time.Minute))
	require.Eventually(t, func() bool { return len(mt.Resets()) == 1 }, time.Second, 5*time.Millisecond)

	// same interval again is not a reset
	require.NoError(t, s.SetInterval("stuck", time.Minute))
	cancel()
	s.Wait()

	assert.Equal(t, []time.Duration{time.Minute}, mt.Resets())
	d, ok := s.Interval("stuck")
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d)
}

func TestAddValidation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("x", 0, true, noop))
	require.NoError(t, s.Add("x", time.Second, true, noop))
	assert.Error(t, s.Add("x", time.Second, true, noop))

	assert.Error(t, s.RunNow(context.Background(), "missing"))
	assert.Error(t, s.SetInterval("missing", time.Second))
	assert.Error(t, s.SetEnabled("missing", true))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Error(t, s.Add("y", time.Second, true, noop))
	cancel()
	s.Wait()
}

func TestSetEnabled(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add("nudge", time.Second, true, func(context.Context) error { return nil }))
	assert.True(t, s.Enabled("nudge"))
	require.NoError(t, s.SetEnabled("nudge", false))
	assert.False(t, s.Enabled("nudge"))
}

func TestRunWithWaitsForInFlightRun(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add("nudge", time.Minute, true, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	ctx := context.Background()
	go func() { _ = s.RunNow(ctx, "nudge") }()
	<-started

	var manual atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- s.RunWith(ctx, "nudge", func(context.Context) error {
			manual.Store(true)
			return nil
		})
	}()

	select {
	case <-done:
		t.Fatal("RunWith overlapped an in-flight run")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, manual.Load())

	close(release)
	require.NoError(t, <-done)
	assert.True(t, manual.Load())
	assert.Error(t, s.RunWith(ctx, "missing", func(context.Context) error { return nil }))
}
