package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"visitorpulse/api/metrics"
)

// Task is a unit of periodic work. Run receives the tick time as now.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Ticker is the part of time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Scheduler runs each task on its own ticker until stopped. A failing tick is logged
// and the schedule carries on.
type Scheduler struct {
	tasks     []Task
	newTicker TickerFactory
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(logger logrus.FieldLogger, m *metrics.Metrics, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, newTicker: NewRealTicker, logger: logger, metrics: m}
}

// WithTickerFactory swaps the ticker source; call before Start.
func (s *Scheduler) WithTickerFactory(f TickerFactory) *Scheduler {
	s.newTicker = f
	return s
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return fmt.Errorf("scheduler already started")
	}
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			return fmt.Errorf("task %q needs a positive interval and a run func", task.Name)
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		task := task
		s.group.Go(func() error {
			s.loop(ctx, task)
			return nil
		})
	}
	s.logger.WithField("tasks", len(s.tasks)).Info("Scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	ticker := s.newTicker(task.Interval)
	defer ticker.Stop()
	log := s.logger.WithField("task", task.Name)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			s.tick(ctx, task, now, log)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, task Task, now time.Time, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncTask(task.Name, "panic")
			log.WithField("panic", r).Error("Periodic task panicked")
		}
	}()

	if err := task.Run(ctx, now); err != nil {
		s.metrics.IncTask(task.Name, "error")
		log.WithError(err).Warn("Periodic task failed")
		return
	}
	s.metrics.IncTask(task.Name, "ok")
}

// Stop cancels every loop and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
	s.logger.Info("Scheduler stopped")
}
