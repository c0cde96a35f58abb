package engine

import (
	"fmt"
	"log/slog"
	"sync"
)

// Supervisor runs the engine's background side effects (transient cleanup,
// view-count increments) as tracked tasks instead of fire-and-forget
// goroutines. Failure policy: a task error or panic is reported to the
// OnError callback (default: log a warning) and never crashes the process;
// tasks scheduled after Close are dropped with a warning. Close waits for
// all in-flight tasks.
type Supervisor struct {
	logger  *slog.Logger
	onError func(name string, err error)

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the logger for the supervisor.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithOnError sets the task failure callback, replacing the default
// log-a-warning policy. Useful for tests and for surfacing background
// failures to application metrics.
func WithOnError(fn func(name string, err error)) SupervisorOption {
	return func(s *Supervisor) {
		s.onError = fn
	}
}

// NewSupervisor creates a task supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onError == nil {
		s.onError = func(name string, err error) {
			s.logger.Warn("background task failed", "task", name, "error", err)
		}
	}
	return s
}

// Schedule runs the task on its own goroutine. Returns false if the
// supervisor is already closed and the task was dropped.
func (s *Supervisor) Schedule(name string, task func() error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("task dropped, supervisor closed", "task", name)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.onError(name, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := task(); err != nil {
			s.onError(name, err)
		}
	}()
	return true
}

// Scheduler adapts the supervisor to the func(func()) scheduler shape the
// transient store expects for its cleanup tasks. All tasks scheduled
// through it share the given name.
func (s *Supervisor) Scheduler(name string) func(func()) {
	return func(task func()) {
		s.Schedule(name, func() error {
			task()
			return nil
		})
	}
}

// Close stops accepting new tasks and waits for in-flight tasks to finish.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}
