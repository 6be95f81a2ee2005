package whatsapp

import (
	"sync"
	"time"
)

// Scheduler runs at most one pending reconnect per device.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn after delay, replacing any pending task of deviceID.
// It reports false once the scheduler is stopped.
func (s *Scheduler) Schedule(deviceID string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if t, ok := s.timers[deviceID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[deviceID] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, deviceID)
		s.mu.Unlock()
		fn()
	})
	s.timers[deviceID] = t
	return true
}

// Cancel drops the pending task of deviceID and reports whether one existed.
func (s *Scheduler) Cancel(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[deviceID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, deviceID)
	return true
}

func (s *Scheduler) Pending(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[deviceID]
	return ok
}

// Stop cancels everything and rejects later Schedule calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
