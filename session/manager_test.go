package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimesh/nutrimesh/core"
)

func newTestManager(t *testing.T, optFns ...func(o *Options)) *Manager {
	t.Helper()
	m := NewManager(optFns...)
	t.Cleanup(m.Close)
	return m
}

func TestManager_Resolve_GeneratesID(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Resolve("")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	again, err := m.Resolve(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, again)
}

func TestManager_BeginRun_SingleRunPerSession(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Resolve("s1")
	require.NoError(t, err)

	_, cancel, err := m.BeginRun(context.Background(), s)
	require.NoError(t, err)
	defer cancel()

	_, _, err = m.BeginRun(context.Background(), s)
	assert.ErrorIs(t, err, ErrRunInProgress)

	m.EndRun(s)
	_, cancel2, err := m.BeginRun(context.Background(), s)
	require.NoError(t, err)
	cancel2()
}

func TestManager_CloseSession_CancelsRun(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Resolve("s1")
	require.NoError(t, err)

	runCtx, _, err := m.BeginRun(context.Background(), s)
	require.NoError(t, err)

	require.NoError(t, m.CloseSession("s1"))

	select {
	case <-runCtx.Done():
	default:
		t.Fatal("run context not cancelled by CloseSession")
	}

	// Once Close completes no sequence numbers are allocated.
	_, ok := s.NextSeq()
	assert.False(t, ok)

	assert.ErrorIs(t, m.CloseSession("s1"), ErrNotFound)
}

func TestManager_CloseSession_BlocksNewRuns(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Resolve("s1")
	require.NoError(t, err)
	require.NoError(t, m.CloseSession("s1"))

	_, _, err = m.BeginRun(context.Background(), s)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_NextSeq_StrictlyIncreasing(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Resolve("s1")
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 100; i++ {
		seq, ok := s.NextSeq()
		require.True(t, ok)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestSession_History_BoundedAndOrdered(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Resolve("s1")
	require.NoError(t, err)

	for i := 0; i < historyLimit+10; i++ {
		seq, ok := s.NextSeq()
		require.True(t, ok)
		s.RecordEvent(core.ProgressEvent{Type: core.EventThinking, SessionID: s.ID, Sequence: seq})
	}

	hist := s.History()
	require.Len(t, hist, historyLimit)
	// Oldest entries are dropped first; order is preserved.
	assert.Equal(t, uint64(11), hist[0].Sequence)
	assert.Equal(t, uint64(historyLimit+10), hist[len(hist)-1].Sequence)

	require.NoError(t, m.CloseSession("s1"))
	s.RecordEvent(core.ProgressEvent{Type: core.EventOutput})
	assert.Len(t, s.History(), historyLimit)
}

func TestManager_Reap_IdleSessions(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.IdleTTL = 10 * time.Millisecond
		o.TerminalGrace = 10 * time.Millisecond
		o.ReapInterval = time.Hour // drive reap manually
	})

	_, err := m.Resolve("idle")
	require.NoError(t, err)
	running, err := m.Resolve("running")
	require.NoError(t, err)
	_, cancel, err := m.BeginRun(context.Background(), running)
	require.NoError(t, err)
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	m.reap(time.Now())

	_, ok := m.Get("idle")
	assert.False(t, ok, "idle session should be reclaimed")
	_, ok = m.Get("running")
	assert.True(t, ok, "running session must survive the reaper")
}

func TestManager_Reap_TerminalGrace(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.IdleTTL = time.Hour
		o.TerminalGrace = 5 * time.Millisecond
		o.ReapInterval = time.Hour
	})

	s, err := m.Resolve("done")
	require.NoError(t, err)
	s.MarkTerminal()

	time.Sleep(10 * time.Millisecond)
	m.reap(time.Now())

	_, ok := m.Get("done")
	assert.False(t, ok)
}
