package session

import (
	"context"
	"sync"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
)

// historyLimit caps the per-session event checkpoint; the oldest entries are
// dropped first.
const historyLimit = 256

// Session tracks one caller's lifecycle state: current pipeline phase,
// activity timestamps, the per-session event sequence, a bounded event
// history and the cancellation flag. It is owned exclusively by the Manager;
// the engine references it during a run but never outlives or frees it.
type Session struct {
	ID      string
	Created time.Time

	mu           sync.Mutex
	phase        string
	lastActivity time.Time
	seq          uint64
	closed       bool
	running      bool
	terminalAt   time.Time
	cancelRun    context.CancelFunc
	history      []core.ProgressEvent
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{ID: id, Created: now, lastActivity: now}
}

// NextSeq atomically allocates the next sequence number for this session.
// The ok result is false when the session has been closed: once Close
// completes no further sequence numbers are handed out, which is what
// guarantees no post-close event leakage.
func (s *Session) NextSeq() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.seq++
	s.lastActivity = time.Now()
	return s.seq, true
}

// SetPhase records the pipeline phase the session is currently in.
func (s *Session) SetPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.lastActivity = time.Now()
}

// Phase returns the current pipeline phase label.
func (s *Session) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Running reports whether a pipeline run is in flight for this session.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MarkTerminal records that the terminal event for the current run has been
// delivered; the manager reclaims the session after its grace period.
func (s *Session) MarkTerminal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminalAt = time.Now()
}

// RecordEvent appends a delivered event to the session's bounded history so
// reconnecting clients can be caught up on the run so far.
func (s *Session) RecordEvent(ev core.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.history = append(s.history, ev)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// History returns a copy of the retained event history in sequence order.
func (s *Session) History() []core.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ProgressEvent(nil), s.history...)
}

func (s *Session) close() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	cancel := s.cancelRun
	s.cancelRun = nil
	return cancel
}

// expired reports whether the session is reclaimable at now.
func (s *Session) expired(now time.Time, idleTTL, terminalGrace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if s.running {
		return false
	}
	if !s.terminalAt.IsZero() && now.Sub(s.terminalAt) >= terminalGrace {
		return true
	}
	return now.Sub(s.lastActivity) >= idleTTL
}
