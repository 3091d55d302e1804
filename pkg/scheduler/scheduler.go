// Package scheduler provides keyed debounced callbacks.
// Scheduling a key always cancels whatever was pending under it, so at most
// one callback per key is ever armed.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when scheduling on a stopped scheduler
var ErrStopped = errors.New("scheduler stopped")

type entry struct {
	gen   uint64
	timer Timer
	fn    func()
}

// Scheduler owns every pending delayed callback of a component
type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
}

// New creates a scheduler on the given clock
func New(clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Clock returns the clock driving this scheduler
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule arms fn to run after delay under key, cancelling any callback
// already pending for that key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
		delete(s.entries, key)
	}

	s.gen++
	gen := s.gen
	e := &entry{gen: gen, fn: fn}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(key, gen) })
	s.entries[key] = e

	return nil
}

// Cancel drops the callback pending under key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending reports whether a callback is armed for key
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Stop cancels every pending callback and rejects further scheduling
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	s.stopped = true
	s.logger.Debug("scheduler stopped")
}

// fire runs the callback for key if it is still the armed generation.
// A timer that lost a race with Cancel or a newer Schedule finds a different
// generation (or none) and does nothing.
func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("stale timer ignored", zap.String("key", key))
		return
	}
	delete(s.entries, key)
	s.mu.Unlock()

	e.fn()
}
