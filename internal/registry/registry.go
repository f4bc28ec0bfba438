// Package registry implements the process-wide hostname→session routing
// table (C3), per spec §4.3. Operations are linearizable with respect to
// each other, guarded by a single mutex: the table is small and contention
// is low (one op per connect/disconnect/request-route), so correctness over
// micro-optimization is preferred, matching the teacher's plain-mutex style
// throughout share/.
package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Holder describes the current occupant of a hostname binding, enough for
// Registry to decide whether it may be displaced.
type Holder interface {
	// SessionID is the process-unique identifier of the session.
	SessionID() string
	// IsRegistered reports whether the session is still in the Registered
	// state (spec §3's state machine).
	IsRegistered() bool
	// LastSeen is the last time any frame was received on the session.
	LastSeen() time.Time
}

// Entry is a point-in-time snapshot of one binding, for /debug/services.
type Entry struct {
	Hostname    string
	SessionID   string
	Principal   string
	ConnectedAt time.Time
	LastSeen    time.Time
	Pending     int
}

// ErrAlreadyBound is returned by TryBind when hostname is already bound to
// a different session, and by ReplaceIfDead when that session is still
// alive.
type ErrAlreadyBound struct{ Hostname string }

func (e *ErrAlreadyBound) Error() string { return "registry: already bound: " + e.Hostname }

// Registry is the hostname→session_id table plus its reverse map, per spec
// §4.3.
type Registry struct {
	mu          sync.Mutex
	byHostname  map[string]Holder
	bySessionID map[string]string // session_id -> hostname
	staleAfter  time.Duration
	onEvent     func(event string, hostname string, sessionID string)
	entryFn     map[string]func() Entry
	count       int64
}

// New creates an empty Registry. staleAfter is T_stale (spec §4.3 default
// 30s): the age of last_seen beyond which a Registered-but-silent holder
// may be displaced by ReplaceIfDead even without first closing.
func New(staleAfter time.Duration) *Registry {
	return &Registry{
		byHostname:  make(map[string]Holder),
		bySessionID: make(map[string]string),
		entryFn:     make(map[string]func() Entry),
		staleAfter:  staleAfter,
	}
}

// OnEvent installs a callback invoked for every bind/replace/unbind, for
// observability (spec §4.3).
func (r *Registry) OnEvent(fn func(event, hostname, sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

func (r *Registry) emit(event, hostname, sessionID string) {
	if r.onEvent != nil {
		r.onEvent(event, hostname, sessionID)
	}
}

// TryBind binds hostname to holder iff hostname is currently unbound or
// already bound to the same session.
// entrySnapshot produces this holder's Entry for Snapshot/debug output.
func (r *Registry) TryBind(hostname string, holder Holder, entrySnapshot func() Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHostname[hostname]; ok {
		if existing.SessionID() != holder.SessionID() {
			return &ErrAlreadyBound{Hostname: hostname}
		}
	}

	r.bind(hostname, holder, entrySnapshot)
	r.emit("bind", hostname, holder.SessionID())
	return nil
}

// ReplaceIfDead atomically replaces the current holder of hostname with
// holder, but only if the current holder is no longer Registered or its
// last_seen is older than staleAfter (spec §4.3). It fails with
// ErrAlreadyBound if the current holder is alive and fresh.
func (r *Registry) ReplaceIfDead(hostname string, holder Holder, entrySnapshot func() Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byHostname[hostname]
	if ok {
		if existing.SessionID() != holder.SessionID() {
			alive := existing.IsRegistered() && time.Since(existing.LastSeen()) <= r.staleAfter
			if alive {
				return &ErrAlreadyBound{Hostname: hostname}
			}
			delete(r.bySessionID, existing.SessionID())
		}
	}

	r.bind(hostname, holder, entrySnapshot)
	r.emit("replace", hostname, holder.SessionID())
	return nil
}

// bind installs holder unconditionally; callers must already hold r.mu.
func (r *Registry) bind(hostname string, holder Holder, entrySnapshot func() Entry) {
	if _, existed := r.byHostname[hostname]; !existed {
		atomic.AddInt64(&r.count, 1)
	}
	r.byHostname[hostname] = holder
	r.bySessionID[holder.SessionID()] = hostname
	r.entryFn[hostname] = entrySnapshot
}

// Lookup returns the session_id bound to hostname, if any.
func (r *Registry) Lookup(hostname string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byHostname[hostname]
	if !ok {
		return "", false
	}
	return h.SessionID(), true
}

// Unbind removes all bindings for sessionID. It is idempotent: a second
// call after success is a no-op (spec §8).
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hostname, ok := r.bySessionID[sessionID]
	if !ok {
		return
	}
	delete(r.bySessionID, sessionID)
	if h, ok := r.byHostname[hostname]; ok && h.SessionID() == sessionID {
		delete(r.byHostname, hostname)
		delete(r.entryFn, hostname)
		atomic.AddInt64(&r.count, -1)
	}
	r.emit("unbind", hostname, sessionID)
}

// Count returns the current number of bound hostnames.
func (r *Registry) Count() int64 {
	return atomic.LoadInt64(&r.count)
}

// Snapshot returns an Entry for every currently bound hostname, for
// /debug/services (spec §6).
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entryFn))
	for _, fn := range r.entryFn {
		out = append(out, fn())
	}
	return out
}
