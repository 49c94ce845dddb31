// Package scheduler runs one-shot callbacks keyed by id. Timers are runtime
// timers from the injected clock, so an idle lock costs no goroutine and
// cancelling one is a map lookup.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Scheduler manages keyed one-shot tasks
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger
	mu     sync.Mutex
	tasks  map[string]*task
	seq    uint64
	closed bool
}

type task struct {
	timer *clock.Timer
	// generation guards against a stale timer firing after a reschedule
	generation uint64
}

// New creates a scheduler on top of clk
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Schedule runs fn once after delay. An existing task with the same id is
// replaced. Returns false if the scheduler is closed.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if existing, ok := s.tasks[id]; ok {
		existing.timer.Stop()
	}

	s.seq++
	gen := s.seq
	t := &task{generation: gen}
	t.timer = s.clock.AfterFunc(delay, func() { s.fire(id, gen, fn) })
	s.tasks[id] = t
	return true
}

func (s *Scheduler) fire(id string, gen uint64, fn func()) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.generation != gen {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				zap.String("task_id", id),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// Cancel stops a pending task; reports whether one was pending
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Pending reports whether a task with id is scheduled
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Len returns the number of pending tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and rejects new ones
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.closed = true
}
