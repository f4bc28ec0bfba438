package session

import (
	"sync"
	"time"

	"github.com/anywhere-mesh/mesh/internal/wire"
)

// DispatchErrorKind classifies why a dispatched request did not complete
// with a response, per spec §4.4/§7.
type DispatchErrorKind string

const (
	// ErrBackpressure means the outbound queue was full.
	ErrBackpressure DispatchErrorKind = "backpressure"
	// ErrTimeout means the deadline elapsed before a reply arrived.
	ErrTimeout DispatchErrorKind = "timeout"
	// ErrSessionClosed means the session closed before a reply arrived.
	ErrSessionClosed DispatchErrorKind = "session_closed"
	// ErrDraining means dispatch was attempted after the session began
	// draining.
	ErrDraining DispatchErrorKind = "draining"
)

// DispatchError is returned by Dispatch when a request does not complete
// normally.
type DispatchError struct {
	Kind DispatchErrorKind
}

func (e *DispatchError) Error() string { return "session: dispatch: " + string(e.Kind) }

// pendingEntry is the reply slot described in spec §3/§4.4: exactly one
// outcome ever reaches completion.
type pendingEntry struct {
	deadline   time.Time
	completion chan pendingResult
}

type pendingResult struct {
	response *wire.Frame
	err      error
}

// pendingTable is the per-session request_id -> reply slot map. Only the
// dispatcher inserts; only the reader or a timeout/close path completes and
// removes an entry, so no entry is ever touched by more than one completer
// at a time (spec §5).
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingEntry
	maxSize int
}

func newPendingTable(maxSize int) *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingEntry), maxSize: maxSize}
}

// insert adds a new pending entry for id. It returns false if the table is
// already at its depth cap (spec §5's per-session pending depth).
func (t *pendingTable) insert(id uint64, deadline time.Time) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxSize > 0 && len(t.entries) >= t.maxSize {
		return nil, false
	}
	e := &pendingEntry{deadline: deadline, completion: make(chan pendingResult, 1)}
	t.entries[id] = e
	return e, true
}

// complete resolves the entry for id exactly once, if it still exists. A
// miss (unknown or already-removed id) is reported back to the caller so it
// can log-and-drop per spec §4.4.
func (t *pendingTable) complete(id uint64, res pendingResult) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.completion <- res
	return true
}

// remove deletes the entry for id without completing it (used by the
// dispatcher when Dispatch itself fails before the reader could ever see a
// reply, and by timeout handling).
func (t *pendingTable) remove(id uint64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// drainAll completes every outstanding entry with err and empties the
// table, per spec §3: "pending is cleared on transition to Closed; every
// outstanding entry completes with a session-terminated error."
func (t *pendingTable) drainAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*pendingEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.completion <- pendingResult{err: err}
	}
}

// len reports the number of outstanding entries, for drain-wait logic.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
