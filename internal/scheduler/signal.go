package scheduler

import (
	"sync"
	"time"
)

// changeSignal remembers that scheduling changed and the earliest known
// new fire time. A zero candidate means "unknown, re-evaluate".
type changeSignal struct {
	mu        sync.Mutex
	pending   bool
	candidate time.Time
	ch        chan struct{}
}

func newChangeSignal() *changeSignal {
	return &changeSignal{ch: make(chan struct{}, 1)}
}

func (s *changeSignal) raise(candidate time.Time) {
	s.mu.Lock()
	switch {
	case !s.pending:
		s.candidate = candidate
	case candidate.IsZero(), s.candidate.IsZero():
		s.candidate = time.Time{}
	case candidate.Before(s.candidate):
		s.candidate = candidate
	}
	s.pending = true
	s.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// peek reports the pending signal without clearing it.
func (s *changeSignal) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidate, s.pending
}

func (s *changeSignal) clear() {
	s.mu.Lock()
	s.pending = false
	s.candidate = time.Time{}
	s.mu.Unlock()
	select {
	case <-s.ch:
	default:
	}
}

// C fires after raise.
func (s *changeSignal) C() <-chan struct{} { return s.ch }
