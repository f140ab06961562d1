package room

import (
	"sync"
	"time"
)

// Scheduler coalesces roster broadcasts for one room: any number of
// Schedule calls inside a flush window collapse into a single flush.
// Membership changes use FlushNow so joins and leaves are seen promptly.
type Scheduler struct {
	window time.Duration
	flush  func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func NewScheduler(window time.Duration, flush func()) *Scheduler {
	return &Scheduler{window: window, flush: flush}
}

// Schedule arms a coalesced flush. A no-op while one is already pending.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	if s.stopped || s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.window, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
		s.flush()
	})
	s.mu.Unlock()
}

// FlushNow cancels any pending coalesced flush and broadcasts immediately.
func (s *Scheduler) FlushNow() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = false
	s.mu.Unlock()
	s.flush()
}

// Stop cancels any pending flush and ignores further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = false
	s.mu.Unlock()
}
