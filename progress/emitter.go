// Package progress implements the progress emitter: the translation of
// pipeline phase transitions into the ordered, timestamped outbound event
// stream of one session. Each stage settlement contributes exactly one event;
// the terminal event is emitted exactly once and always carries the highest
// sequence number of the run.
package progress

import (
	"sync"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
	"github.com/nutrimesh/nutrimesh/session"
)

// TypeForStage maps a stage settlement to its outbound message type. The
// mapping follows the original protocol: parsing and analysis phases report
// as "thinking", the recipe search as "finding_records", the remaining
// searches as "searching_more".
func TypeForStage(id core.StageID) core.EventType {
	switch id {
	case core.StageRecipe:
		return core.EventFindingRecords
	case core.StageRestaurant, core.StageProduct:
		return core.EventSearchingMore
	default:
		return core.EventThinking
	}
}

// Emitter converts stage transitions of one pipeline run into ProgressEvents
// on its outbound channel. Sequence numbers are allocated by the session
// under the session's own lock, so an emitter racing a session close either
// gets a number before the close (event observable) or is refused (event
// dropped) — never a post-close event.
//
// An Emitter belongs to exactly one run and must not be shared across runs.
type Emitter struct {
	sess   *session.Session
	out    chan<- core.ProgressEvent
	logger logging.Logger

	mu       sync.Mutex
	terminal bool
	emitted  int
}

// NewEmitter binds an emitter to a session and an outbound channel. The
// channel is owned by the caller and closed by the engine when the run ends.
func NewEmitter(sess *session.Session, out chan<- core.ProgressEvent, logger logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Emitter{sess: sess, out: out, logger: logger}
}

// Emit sends one non-terminal event for the given phase. It reports whether
// the event was delivered; events after session close or after the terminal
// event are dropped.
func (e *Emitter) Emit(phase core.StageID, typ core.EventType, content any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		e.logger.Warn("event after terminal dropped", "session_id", e.sess.ID, "phase", phase)
		return false
	}
	return e.sendLocked(phase, typ, content)
}

// EmitTerminal sends the terminal event for the run. Exactly one terminal
// event is ever delivered; later calls are no-ops returning false.
func (e *Emitter) EmitTerminal(typ core.EventType, content any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return false
	}
	if !e.sendLocked("", typ, content) {
		return false
	}
	e.terminal = true
	e.sess.MarkTerminal()
	return true
}

// Emitted returns the number of events delivered so far.
func (e *Emitter) Emitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

func (e *Emitter) sendLocked(phase core.StageID, typ core.EventType, content any) bool {
	seq, ok := e.sess.NextSeq()
	if !ok {
		e.logger.Debug("event for closed session dropped", "session_id", e.sess.ID, "phase", phase)
		return false
	}
	ev := core.ProgressEvent{
		Type:      typ,
		Phase:     string(phase),
		Content:   content,
		SessionID: e.sess.ID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}
	e.sess.RecordEvent(ev)
	e.out <- ev
	e.emitted++
	return true
}
