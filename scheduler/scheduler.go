// Package scheduler runs the server's background maintenance tasks:
// the stale-request purge, the periodic presence stats line, and any
// one-shot delayed work. Tasks are addressed by name so they can be
// replaced or cancelled, and a panic in one task never takes down the
// process.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is a scheduled unit of work.
type TaskFn func()

// Scheduler owns all periodic and delayed tasks.
type Scheduler struct {
	mu       sync.Mutex
	periodic map[string]*periodicTask
	delayed  map[string]*time.Timer
	logger   *zap.Logger
	stopCh   chan struct{}
}

type periodicTask struct {
	ticker *time.Ticker
	stopCh chan struct{}
}

// New creates a Scheduler with no tasks.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		periodic: make(map[string]*periodicTask),
		delayed:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// safeRun invokes fn and turns a panic into an error log, so one bad
// task run does not stop the schedule.
func (s *Scheduler) safeRun(name string, fn TaskFn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("task", name),
				zap.Any("recover", r))
		}
	}()
	fn()
}

// AddTicker registers fn to run every interval under the given name.
// Registering the same name again replaces the old task.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.periodic[name]; ok {
		close(old.stopCh)
		delete(s.periodic, name)
	}

	task := &periodicTask{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
	}
	s.periodic[name] = task

	go func() {
		defer task.ticker.Stop()
		for {
			select {
			case <-task.ticker.C:
				s.safeRun(name, fn)
			case <-task.stopCh:
				return
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("scheduled task registered",
		zap.String("name", name),
		zap.Duration("interval", interval))
}

// AddDelay runs fn once after delay. Registering the same name again
// cancels the earlier timer.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.delayed[name]; ok {
		old.Stop()
	}
	s.delayed[name] = time.AfterFunc(delay, func() {
		defer func() {
			s.mu.Lock()
			delete(s.delayed, name)
			s.mu.Unlock()
		}()
		s.safeRun(name, fn)
	})
}

// Remove cancels the task with the given name, periodic or delayed.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.periodic[name]; ok {
		close(task.stopCh)
		delete(s.periodic, name)
	}
	if t, ok := s.delayed[name]; ok {
		t.Stop()
		delete(s.delayed, name)
	}
}

// Stop cancels every periodic task. Safe to call more than once.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// ListTickers returns the names of the registered periodic tasks, for
// the admin scheduler endpoint.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.periodic))
	for name := range s.periodic {
		names = append(names, name)
	}
	return names
}
