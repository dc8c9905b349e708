package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"visitorpulse/api/metrics"
	"visitorpulse/api/models"
)

type AsyncWriterOptions struct {
	Workers        int
	Buffer         int
	MaxBatch       int
	WriteTimeout   time.Duration
	HandoffTimeout time.Duration
}

func (o *AsyncWriterOptions) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 100
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
}

// AsyncWriter appends events to the durable log off the request path. Workers batch
// whatever is queued; when the queue stays full past the handoff timeout the event is
// written inline instead. Failures are logged and counted, never returned.
type AsyncWriter struct {
	log     EventLog
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	opts    AsyncWriterOptions

	mu     sync.RWMutex
	closed bool
	jobs   chan models.VisitorEvent
	wg     sync.WaitGroup
}

func NewAsyncWriter(log EventLog, opts AsyncWriterOptions, logger logrus.FieldLogger, m *metrics.Metrics) *AsyncWriter {
	opts.withDefaults()
	w := &AsyncWriter{
		log:     log,
		logger:  logger,
		metrics: m,
		opts:    opts,
		jobs:    make(chan models.VisitorEvent, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	logger.WithFields(logrus.Fields{
		"workers": opts.Workers,
		"buffer":  opts.Buffer,
		"handoff": opts.HandoffTimeout,
	}).Info("event log writer started")
	return w
}

// Enqueue hands ev to the writer. It never returns an error; after Close the event is written inline.
func (w *AsyncWriter) Enqueue(ev models.VisitorEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.closed && w.trySend(ev) {
		return
	}
	w.write(-1, []models.VisitorEvent{ev})
}

func (w *AsyncWriter) trySend(ev models.VisitorEvent) bool {
	select {
	case w.jobs <- ev:
		return true
	default:
	}
	if w.opts.HandoffTimeout == 0 {
		return false
	}

	timer := time.NewTimer(w.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case w.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (w *AsyncWriter) worker(id int) {
	defer w.wg.Done()
	for ev := range w.jobs {
		batch := []models.VisitorEvent{ev}
	fill:
		for len(batch) < w.opts.MaxBatch {
			select {
			case next, ok := <-w.jobs:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		w.write(id, batch)
	}
}

func (w *AsyncWriter) write(worker int, batch []models.VisitorEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()

	if err := w.log.Append(ctx, batch); err != nil {
		w.metrics.AddEventLogWrites("error", len(batch))
		w.logger.WithError(err).WithFields(logrus.Fields{
			"count":  len(batch),
			"worker": worker,
		}).Error("event log append failed")
		return
	}
	w.metrics.AddEventLogWrites("ok", len(batch))
}

// Close stops accepting queued work and waits for the workers to drain the queue.
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("event log writer drained")
}
