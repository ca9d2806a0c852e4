package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

var (
	// ErrSessionClosed is returned when a run is requested on a session that
	// has already been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrRunInProgress enforces at most one concurrent pipeline run per
	// session.
	ErrRunInProgress = errors.New("pipeline run already in progress for session")
	// ErrNotFound is returned when the session id is unknown.
	ErrNotFound = errors.New("session not found")
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Options configures a Manager.
type Options struct {
	// IdleTTL is how long a quiet session is retained before reclamation.
	IdleTTL time.Duration
	// TerminalGrace is how long a session survives after its terminal event.
	TerminalGrace time.Duration
	// ReapInterval is how often the reaper scans for expired sessions.
	ReapInterval time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager owns the set of live sessions. The table is sharded by session id
// so lifecycle events of unrelated sessions never serialize on one lock.
// Manager is the cancellation authority: CloseSession signals any in-flight
// run, whose not-yet-settled stages are then abandoned.
type Manager struct {
	shards        [shardCount]shard
	idleTTL       time.Duration
	terminalGrace time.Duration
	logger        logging.Logger

	done chan struct{}
	once sync.Once
}

// NewManager constructs a Manager and starts its background reaper.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		IdleTTL:       30 * time.Minute,
		TerminalGrace: 60 * time.Second,
		ReapInterval:  time.Minute,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := &Manager{
		idleTTL:       opts.IdleTTL,
		terminalGrace: opts.TerminalGrace,
		logger:        opts.Logger,
		done:          make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]*Session)
	}

	go m.reapLoop(opts.ReapInterval)
	return m
}

func (m *Manager) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}

// Resolve returns the live session for id, creating it when absent. An empty
// id asks the manager to generate one.
func (m *Manager) Resolve(id string) (*Session, error) {
	if id == "" {
		id = core.NewID()
	}
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[id]; ok {
		if s.Closed() {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
		}
		return s, nil
	}
	s := newSession(id)
	sh.sessions[id] = s
	m.logger.Debug("session created", "session_id", id)
	return s, nil
}

// Get looks up a live session without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// BeginRun marks the session as running and returns the run context the
// engine must execute under. Closing the session cancels that context. At
// most one run per session may be in flight.
func (m *Manager) BeginRun(ctx context.Context, s *Session) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.ID)
	}
	if s.running {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunInProgress, s.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelRun = cancel
	s.lastActivity = time.Now()
	return runCtx, cancel, nil
}

// EndRun clears the running flag after a pipeline run finishes or is
// abandoned.
func (m *Manager) EndRun(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelRun = nil
	s.lastActivity = time.Now()
}

// CloseSession closes the session, cancelling any in-flight run. When
// CloseSession returns, no further events for the session can be observed:
// sequence allocation is refused from that point on and late stage results
// are discarded.
func (m *Manager) CloseSession(id string) error {
	sh := m.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cancel := s.close(); cancel != nil {
		cancel()
	}
	m.logger.Debug("session closed", "session_id", id)
	return nil
}

// Len returns the number of live sessions, for introspection and tests.
func (m *Manager) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Close stops the background reaper. Live sessions are left in place.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) {
	for i := range m.shards {
		sh := &m.shards[i]
		var expired []*Session
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.expired(now, m.idleTTL, m.terminalGrace) {
				delete(sh.sessions, id)
				expired = append(expired, s)
			}
		}
		sh.mu.Unlock()
		for _, s := range expired {
			if cancel := s.close(); cancel != nil {
				cancel()
			}
			m.logger.Debug("session reclaimed", "session_id", s.ID)
		}
	}
}
