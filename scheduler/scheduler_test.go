package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitorpulse/api/logging"
	"visitorpulse/api/metrics"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.once.Do(func() { close(f.stopped) }) }

type fakeClock struct {
	mu      sync.Mutex
	tickers map[time.Duration]*fakeTicker
	ready   chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{tickers: make(map[time.Duration]*fakeTicker), ready: make(chan time.Duration, 8)}
}

func (c *fakeClock) factory(d time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
	c.mu.Lock()
	c.tickers[d] = t
	c.mu.Unlock()
	c.ready <- d
	return t
}

func (c *fakeClock) ticker(d time.Duration) *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[d]
}

func (c *fakeClock) waitReady(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ready:
		case <-time.After(time.Second):
			t.Fatal("ticker was not created")
		}
	}
}

func TestTasksRunOnTheirOwnTicks(t *testing.T) {
	clock := newFakeClock()
	sessionRuns := make(chan time.Time, 4)
	anomalyRuns := make(chan time.Time, 4)

	s := New(logging.Discard(), nil,
		Task{Name: "sessions", Interval: 30 * time.Second, Run: func(_ context.Context, now time.Time) error {
			sessionRuns <- now
			return nil
		}},
		Task{Name: "anomaly", Interval: time.Minute, Run: func(_ context.Context, now time.Time) error {
			anomalyRuns <- now
			return nil
		}},
	).WithTickerFactory(clock.factory)

	require.NoError(t, s.Start(context.Background()))
	clock.waitReady(t, 2)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.ticker(30 * time.Second).ch <- t0
	clock.ticker(30 * time.Second).ch <- t0.Add(30 * time.Second)
	clock.ticker(time.Minute).ch <- t0.Add(time.Minute)

	assert.Equal(t, t0, <-sessionRuns)
	assert.Equal(t, t0.Add(30*time.Second), <-sessionRuns)
	assert.Equal(t, t0.Add(time.Minute), <-anomalyRuns)

	s.Stop()
	for _, d := range []time.Duration{30 * time.Second, time.Minute} {
		select {
		case <-clock.ticker(d).stopped:
		case <-time.After(time.Second):
			t.Fatalf("ticker %v not stopped", d)
		}
	}
}

func TestFailingTickDoesNotStopSchedule(t *testing.T) {
	clock := newFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	runs := make(chan int, 4)
	calls := 0

	s := New(logging.Discard(), m, Task{Name: "flaky", Interval: time.Second, Run: func(context.Context, time.Time) error {
		calls++
		runs <- calls
		switch calls {
		case 1:
			return errors.New("store unavailable")
		case 2:
			panic("boom")
		}
		return nil
	}}).WithTickerFactory(clock.factory)

	require.NoError(t, s.Start(context.Background()))
	clock.waitReady(t, 1)

	tk := clock.ticker(time.Second)
	for i := 0; i < 3; i++ {
		tk.ch <- time.Now()
		assert.Equal(t, i+1, <-runs)
	}
	s.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("flaky", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("flaky", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("flaky", "ok")))
}

func TestStartRejectsBadTasksAndDoubleStart(t *testing.T) {
	bad := New(logging.Discard(), nil, Task{Name: "zero", Run: func(context.Context, time.Time) error { return nil }})
	assert.Error(t, bad.Start(context.Background()))

	s := New(logging.Discard(), nil).WithTickerFactory(newFakeClock().factory)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { New(logging.Discard(), nil).Stop() })
}
