package engine

import (
	"sync"
	"time"
)

// scheduler debounces autosave: every mutation touches the timer, and the
// callback fires once the form has been quiet for the full interval.
type scheduler struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newScheduler(interval time.Duration, fn func()) *scheduler {
	return &scheduler{interval: interval, fn: fn}
}

// Touch arms or rearms the timer.
func (s *scheduler) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.fire)
		return
	}
	s.timer.Reset(s.interval)
}

func (s *scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.fn()
}

// Stop disarms the timer permanently. A callback already in flight may
// still run; the engine's generation check makes that harmless.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
