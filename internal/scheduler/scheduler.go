package scheduler

import (
	"sync"
	"time"
)

// Scheduler runs at most one deferred function per key. It backs the
// training transition: a model gets exactly one pending timer, and a
// second Schedule for the same key is refused while the first is
// outstanding.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{pending: make(map[string]*time.Timer)}
}

// Schedule arranges fn to run once after delay. It reports false when
// a timer for key is already pending or the scheduler is stopped.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.pending[key]; ok {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A fired timer that lost the lock race to Cancel or Stop must
		// not run.
		if s.stopped || s.pending[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})
	s.pending[key] = t
	return true
}

// Cancel stops a pending timer. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.pending, key)
	return true
}

// Stop cancels every pending timer and refuses further scheduling.
// Functions already past their timer may still run concurrently with
// Stop; callers must tolerate that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.pending {
		t.Stop()
		delete(s.pending, key)
	}
}
