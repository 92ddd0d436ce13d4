package manager

import (
	"sync"
	"time"
)

// saveDebounce is the quiet period after the last mutation before a
// session is written to disk. Streaming produces bursts of mutations;
// coalescing them keeps disk writes to one per burst.
const saveDebounce = 2 * time.Second

// saveScheduler is a cancellable single-slot timer. The session id is
// captured at schedule time, so a flush after a session switch still
// writes the session the mutation belonged to, never the newly attached
// one. Rescheduling replaces the pending save.
type saveScheduler struct {
	mu        sync.Mutex
	delay     time.Duration
	timer     *time.Timer
	pendingID string
	save      func(id string)
}

func newSaveScheduler(delay time.Duration, save func(id string)) *saveScheduler {
	return &saveScheduler{delay: delay, save: save}
}

// Schedule arms the timer for the given session, replacing any pending save.
func (s *saveScheduler) Schedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pendingID = id
	s.timer = time.AfterFunc(s.delay, s.fire)
}

// Cancel drops any pending save without running it.
func (s *saveScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pendingID = ""
}

// Flush runs any pending save immediately, synchronously. No-op when
// nothing is pending. The save callback must not be holding locks the
// flush caller also holds.
func (s *saveScheduler) Flush() {
	s.fire()
}

func (s *saveScheduler) fire() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	id := s.pendingID
	s.pendingID = ""
	s.mu.Unlock()

	if id != "" {
		s.save(id)
	}
}
