// ABOUTME: Two-phase correlation table routing frames to pending requests.
// ABOUTME: Keyed by request id, promoted to run id, session-key fallback.

package correlate

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrDuplicateRequest indicates a request id is already outstanding.
var ErrDuplicateRequest = errors.New("request id already pending")

// frameBuffer is the per-request channel capacity. A full buffer drops
// frames rather than blocking the connection read loop.
const frameBuffer = 100

// Pending tracks one outstanding request and buffers the frames routed
// to it. Its frame channel is closed when the request is closed or the
// whole table fails; a closed channel means no further frames will
// arrive for this request.
type Pending[F any] struct {
	reqID      string
	sessionKey string
	runID      string // learned from the response; empty while phase 1
	frames     chan F
}

// Frames returns the channel on which routed frames are delivered.
func (p *Pending[F]) Frames() <-chan F {
	return p.frames
}

// Table routes inbound frames to pending requests. All methods are safe
// for concurrent use; routing is called from a single connection read
// loop while registration happens from caller goroutines.
type Table[F any] struct {
	mu      sync.Mutex
	pending map[string]*Pending[F]
	logger  *slog.Logger
}

// NewTable creates an empty correlation table.
func NewTable[F any](logger *slog.Logger) *Table[F] {
	return &Table[F]{
		pending: make(map[string]*Pending[F]),
		logger:  logger,
	}
}

// Register creates a pending entry for a request about to be sent.
// Exactly one entry may exist per request id at any time.
func (t *Table[F]) Register(reqID, sessionKey string) (*Pending[F], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[reqID]; exists {
		return nil, ErrDuplicateRequest
	}

	p := &Pending[F]{
		reqID:      reqID,
		sessionKey: sessionKey,
		frames:     make(chan F, frameBuffer),
	}
	t.pending[reqID] = p
	return p, nil
}

// Promote records the run id learned from a request's response. Once
// promoted, events for this request match by run id only.
func (t *Table[F]) Promote(reqID, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[reqID]; ok && runID != "" {
		p.runID = runID
	}
}

// RouteResponse delivers a response frame to the request it is tagged
// with. Returns false if the id is unknown; the frame is dropped.
func (t *Table[F]) RouteResponse(reqID string, frame F) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[reqID]
	if !ok {
		t.logger.Debug("response for unknown request dropped", "request_id", reqID)
		return false
	}
	t.deliver(p, frame)
	return true
}

// RouteEvent delivers an event frame to the pending request matching its
// run id, or by session key when the event carries no run id and the
// request has not yet learned one. Unmatched events are dropped.
func (t *Table[F]) RouteEvent(runID, sessionKey string, frame F) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var target *Pending[F]
	for _, p := range t.pending {
		if runID != "" && p.runID == runID {
			target = p
			break
		}
		if runID == "" && p.runID == "" && sessionKey != "" && p.sessionKey == sessionKey {
			target = p
			break
		}
	}

	if target == nil {
		t.logger.Debug("event without matching request dropped",
			"run_id", runID,
			"session_key", sessionKey,
		)
		return false
	}
	t.deliver(target, frame)
	return true
}

// deliver performs a non-blocking send so a stalled waiter cannot block
// the connection read loop. Callers must hold t.mu so the send cannot
// race a concurrent Close of the channel.
func (t *Table[F]) deliver(p *Pending[F], frame F) {
	select {
	case p.frames <- frame:
	default:
		t.logger.Warn("frame buffer full, dropping frame", "request_id", p.reqID)
	}
}

// Close removes a pending request and closes its frame channel. Safe to
// call for ids that are no longer (or never were) pending.
func (t *Table[F]) Close(reqID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[reqID]; ok {
		close(p.frames)
		delete(t.pending, reqID)
	}
}

// FailAll closes every pending request's frame channel and clears the
// table. Called when the underlying connection is lost so waiters
// observe closure instead of hanging.
func (t *Table[F]) FailAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pending {
		close(p.frames)
		delete(t.pending, id)
	}
}

// Len reports the number of outstanding requests.
func (t *Table[F]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
