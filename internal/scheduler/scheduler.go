// Package scheduler runs named periodic tasks on independent intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

var (
	ErrDuplicateTask   = errors.New("task already registered")
	ErrUnknownTask     = errors.New("unknown task")
	ErrRunning         = errors.New("scheduler already running")
	ErrInvalidInterval = errors.New("task interval must be > 0")
)

// Action is one execution of a task. The context is not cancelled when the
// scheduler stops; it only carries the task's own timeout.
type Action func(ctx context.Context) error

// Task describes a periodic task.
type Task struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Action   Action
	// Timeout bounds a single run. Zero means the action is trusted to
	// bound itself.
	Timeout time.Duration
}

// Metrics receives per-task counters.
type Metrics interface {
	ObserveTick(ctx context.Context, task string, d time.Duration, err error)
	IncOverrun(ctx context.Context, task string)
	IncSkipped(ctx context.Context, task string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(context.Context, string, time.Duration, error) {}
func (nopMetrics) IncOverrun(context.Context, string) {}
func (nopMetrics) IncSkipped(context.Context, string) {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPause makes every task skip its ticks while paused returns true.
func WithPause(paused func() bool) Option {
	return func(s *Scheduler) { s.paused = paused }
}

// WithOverrunErrors counts action errors matching any of errs as overruns
// rather than failures.
func WithOverrunErrors(errs ...error) Option {
	return func(s *Scheduler) { s.overrunErrs = append(s.overrunErrs, errs...) }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns a set of tasks. Each task gets a ticker goroutine and a
// worker goroutine connected by a one-slot trigger queue, so a slow run
// queues at most one further run and drops the rest.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	running bool

	paused      func() bool
	overrunErrs []error
	metrics     Metrics
	logger      *slog.Logger
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[string]*task),
		metrics: nopMetrics{},
		logger:  slog.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Tasks must be registered before Run.
func (s *Scheduler) Register(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, t.Name)
	}
	if t.Action == nil {
		return fmt.Errorf("register %s: nil action", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}

	rt := &task{
		def:     t,
		trigger: make(chan struct{}, 1),
		reset:   make(chan time.Duration, 1),
	}
	rt.enabled.Store(t.Enabled)
	rt.status = models.TaskStatus{Name: t.Name, Interval: t.Interval, Enabled: t.Enabled}
	s.tasks[t.Name] = rt
	s.order = append(s.order, t.Name)
	return nil
}

// SetEnabled toggles a task. A run already in progress completes; the
// change applies from the next tick.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	t, err := s.get(name)
	if err != nil {
		return err
	}
	t.enabled.Store(enabled)
	t.mu.Lock()
	t.status.Enabled = enabled
	t.mu.Unlock()
	s.logger.Info("task toggled", "task", name, "enabled", enabled)
	return nil
}

// SetInterval changes a task's period. The ticker is reset on its next
// select; the in-flight run is unaffected.
func (s *Scheduler) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}
	t, err := s.get(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.def.Interval == d {
		t.mu.Unlock()
		return nil
	}
	t.def.Interval = d
	t.status.Interval = d
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-t.reset:
	default:
	}
	t.reset <- d
	return nil
}

// Trigger requests an immediate run of name, subject to the same queueing
// as a tick.
func (s *Scheduler) Trigger(name string) error {
	t, err := s.get(name)
	if err != nil {
		return err
	}
	s.fire(context.Background(), t)
	return nil
}

// Statuses returns task statuses in registration order.
func (s *Scheduler) Statuses() []models.TaskStatus {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]models.TaskStatus, 0, len(names))
	for _, name := range names {
		t, _ := s.get(name)
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	return out
}

// Run starts every task and blocks until ctx is cancelled and all
// in-flight runs have completed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	tasks := make([]*task, 0, len(s.order))
	for _, name := range s.order {
		tasks = append(tasks, s.tasks[name])
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(2)
		go func(t *task) {
			defer wg.Done()
			s.tick(ctx, t)
		}(t)
		go func(t *task) {
			defer wg.Done()
			s.work(ctx, t)
		}(t)
	}
	s.logger.Info("scheduler started", "tasks", len(tasks))

	<-ctx.Done()
	wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context, t *task) {
	ticker := time.NewTicker(t.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-t.reset:
			ticker.Reset(d)
		case <-ticker.C:
			s.fire(ctx, t)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t *task) {
	select {
	case t.trigger <- struct{}{}:
	default:
		t.mu.Lock()
		t.status.Overruns++
		t.mu.Unlock()
		s.metrics.IncOverrun(ctx, t.def.Name)
		s.logger.Warn("tick dropped, previous run still in progress", "task", t.def.Name)
	}
}

func (s *Scheduler) work(ctx context.Context, t *task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.trigger:
			if ctx.Err() != nil {
				return
			}
			if !t.enabled.Load() {
				continue
			}
			if s.paused != nil && s.paused() {
				t.mu.Lock()
				t.status.Skipped++
				t.mu.Unlock()
				s.metrics.IncSkipped(ctx, t.def.Name)
				s.logger.Debug("tick skipped, scheduler paused", "task", t.def.Name)
				continue
			}
			s.execute(ctx, t)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	runCtx := context.WithoutCancel(ctx)
	if t.def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.def.Timeout)
		defer cancel()
	}

	start := time.Now()
	t.mu.Lock()
	t.status.Running = true
	t.mu.Unlock()

	err := safeRun(runCtx, t.def.Action)
	elapsed := time.Since(start)
	overrun := err != nil && s.isOverrun(err)

	t.mu.Lock()
	t.status.Running = false
	t.status.Runs++
	started := start.UTC()
	t.status.LastRunAt = &started
	t.status.LastDuration = elapsed
	t.status.LastError = ""
	if err != nil {
		t.status.LastError = err.Error()
		if overrun {
			t.status.Overruns++
		} else {
			t.status.Failures++
		}
	}
	t.mu.Unlock()

	s.metrics.ObserveTick(runCtx, t.def.Name, elapsed, err)
	switch {
	case overrun:
		s.metrics.IncOverrun(runCtx, t.def.Name)
		s.logger.Warn("task overrun", "task", t.def.Name, "error", err)
	case err != nil:
		s.logger.Error("task failed", "task", t.def.Name, "error", err, "duration_ms", elapsed.Milliseconds())
	default:
		s.logger.Debug("task completed", "task", t.def.Name, "duration_ms", elapsed.Milliseconds())
	}
}

func (s *Scheduler) isOverrun(err error) bool {
	for _, target := range s.overrunErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Scheduler) get(name string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return t, nil
}

// safeRun converts a panicking action into an error.
func safeRun(ctx context.Context, fn Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in task", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

type task struct {
	def     Task
	enabled atomic.Bool
	trigger chan struct{}
	reset   chan time.Duration

	mu     sync.Mutex
	status models.TaskStatus
}

func (t *task) interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.def.Interval
}
