package store

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
	"visitorpulse/api/models"
)

type fakeEventLog struct {
	mu      sync.Mutex
	events  []models.VisitorEvent
	calls   int
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeEventLog) Append(_ context.Context, events []models.VisitorEvent) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if first && f.gate != nil {
		close(f.entered)
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeEventLog) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EventID)
	}
	return out
}

func (f *fakeEventLog) UniqueSessionsPerMinute(context.Context, time.Time, time.Time) (map[time.Time]uint64, error) {
	return nil, nil
}

func (f *fakeEventLog) RecentEvents(context.Context, EventFilter, int) ([]models.VisitorEvent, error) {
	return nil, nil
}

func (f *fakeEventLog) TopPages(context.Context, time.Time, time.Time, uint64) ([]models.TopPathResult, error) {
	return nil, nil
}

func (f *fakeEventLog) Close() error { return nil }

func TestAsyncWriterDrainsOnClose(t *testing.T) {
	log := &fakeEventLog{}
	w := NewAsyncWriter(log, AsyncWriterOptions{Workers: 2, Buffer: 16}, logging.Discard(), nil)

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		w.Enqueue(models.VisitorEvent{EventID: id})
	}
	w.Close()

	assert.ElementsMatch(t, []string{"e1", "e2", "e3", "e4", "e5"}, log.ids())
}

func TestAsyncWriterWritesInlineWhenSaturated(t *testing.T) {
	log := &fakeEventLog{gate: make(chan struct{}), entered: make(chan struct{})}
	w := NewAsyncWriter(log, AsyncWriterOptions{Workers: 1, Buffer: 1}, logging.Discard(), nil)

	w.Enqueue(models.VisitorEvent{EventID: "e1"})
	<-log.entered

	w.Enqueue(models.VisitorEvent{EventID: "e2"})
	w.Enqueue(models.VisitorEvent{EventID: "e3"})
	assert.Equal(t, []string{"e3"}, log.ids())

	close(log.gate)
	w.Close()
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, log.ids())
}

func TestAsyncWriterCountsFailures(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	log := &fakeEventLog{err: errors.New("log down")}
	w := NewAsyncWriter(log, AsyncWriterOptions{Workers: 1, Buffer: 4}, logging.Discard(), m)

	w.Enqueue(models.VisitorEvent{EventID: "e1"})
	w.Enqueue(models.VisitorEvent{EventID: "e2"})
	w.Close()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventLogWrites.WithLabelValues("error")))
	assert.Empty(t, log.ids())
}

func TestAsyncWriterEnqueueAfterCloseWritesInline(t *testing.T) {
	log := &fakeEventLog{}
	w := NewAsyncWriter(log, AsyncWriterOptions{Workers: 1}, logging.Discard(), nil)
	w.Close()
	w.Close()

	require.NotPanics(t, func() { w.Enqueue(models.VisitorEvent{EventID: "late"}) })
	assert.Equal(t, []string{"late"}, log.ids())
}
