// Package scheduler runs the CSE's named background tasks: periodic ticks,
// 7-field cron schedules and one-shot timers. Tasks are identified by a
// stable name; registering a name that already exists replaces the previous
// task, which makes reschedules deterministic.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// TaskFunc is the work a task performs. The context is cancelled when the
// task is stopped or the scheduler shuts down. Handlers must re-read any
// resource state they need: snapshots taken at schedule time go stale.
type TaskFunc func(ctx context.Context) error

// Scheduler owns the task registry and the goroutines driving it.
type Scheduler struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	tasks  map[string]*task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Metrics may be nil.
func New(logger *telemetry.Logger, metrics *telemetry.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger.NewComponentLogger("scheduler"),
		metrics: metrics,
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RunPeriodic registers a task that runs every interval until its end time
// (zero means never) or until cancelled. The first run happens after one
// interval, not immediately.
func (s *Scheduler) RunPeriodic(name string, interval time.Duration, end time.Time, fn TaskFunc) {
	if interval <= 0 {
		s.logger.WithField("task", name).Warn("periodic task with non-positive interval ignored")
		return
	}
	s.start(name, func(ctx context.Context, self *task) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if !end.IsZero() && now.After(end) {
					s.remove(self)
					return
				}
				s.invoke(ctx, name, fn)
			}
		}
	})
}

// RunCron registers a task driven by a 7-field cron expression. The next
// fire time is recomputed after every run from the current UTC time.
func (s *Scheduler) RunCron(name string, expr *CronExpr, fn TaskFunc) {
	s.start(name, func(ctx context.Context, self *task) {
		for {
			next, ok := expr.Next(time.Now().UTC())
			if !ok {
				s.logger.WithField("task", name).Debug("cron expression has no future occurrence")
				s.remove(self)
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.invoke(ctx, name, fn)
			}
		}
	})
}

// RunAt registers a one-shot task at an absolute time. Times in the past
// fire immediately. The task removes itself after running.
func (s *Scheduler) RunAt(name string, at time.Time, fn TaskFunc) {
	s.start(name, func(ctx context.Context, self *task) {
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.invoke(ctx, name, fn)
			s.remove(self)
		}
	})
}

// RunAfter registers a one-shot task after a delay.
func (s *Scheduler) RunAfter(name string, delay time.Duration, fn TaskFunc) {
	s.RunAt(name, time.Now().Add(delay), fn)
}

// start replaces any task already registered under name and launches the
// loop in its own goroutine. The loop receives its own registry entry so it
// can remove exactly itself when it ends.
func (s *Scheduler) start(name string, loop func(ctx context.Context, self *task)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if old, ok := s.tasks[name]; ok {
		old.cancel()
		// Wait outside the lock would race with re-registration; the old
		// loop observes cancellation at its next suspension point.
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(t.done)
		loop(ctx, t)
	}()
}

// invoke runs the task function, recovering panics so one broken handler
// cannot kill the scheduler.
func (s *Scheduler) invoke(ctx context.Context, name string, fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("task", name).Errorf("task panicked: %v", r)
			s.recordRun(name, "panic")
		}
	}()
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WithField("task", name).WithError(err).Warn("task run failed")
		s.recordRun(name, "error")
		return
	}
	s.recordRun(name, "ok")
}

func (s *Scheduler) recordRun(name, status string) {
	if s.metrics != nil {
		s.metrics.RecordTaskRun(name, status)
	}
}

// remove drops the registry entry for a task that ended on its own. The
// entry may already have been replaced; only the matching task is removed.
func (s *Scheduler) remove(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[t.name]; ok && cur == t {
		delete(s.tasks, t.name)
	}
}

// Cancel stops the named task. It reports whether a task was registered
// under that name.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Has reports whether a task is registered under name.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names returns the registered task names, for diagnostics.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	return names
}

// Shutdown cancels every task and waits for running handlers to observe the
// cancellation, up to the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
