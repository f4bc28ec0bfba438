// Package ingress implements the front-door HTTP ingress (C5) and the
// WebSocket registration ingress (C6), per spec §4.5/§4.6.
package ingress

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anywhere-mesh/mesh/internal/identity"
	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/registry"
	"github.com/anywhere-mesh/mesh/internal/session"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

// ProtocolToken is the Sec-WebSocket-Protocol value both sides must offer
// and accept, per spec §6.
const ProtocolToken = "mesh-v1"

// WSConfig bounds the WebSocket ingress, per spec §4.6/§5/§6.
type WSConfig struct {
	Addr               string
	MaxConnections     int
	HandshakeTimeout   time.Duration // T_handshake, default 10s
	VerifyTimeout      time.Duration // T_verify, default 5s
	OriginAllowlist    []string      // empty = allow all, per spec §6
	Session            session.Config
	RegistryStaleAfter time.Duration // T_stale, default 30s
}

// DefaultWSConfig matches the defaults named in spec §4.2/§4.3/§4.6/§6.
var DefaultWSConfig = WSConfig{
	Addr:               ":8082",
	MaxConnections:     10000,
	HandshakeTimeout:   10 * time.Second,
	VerifyTimeout:      5 * time.Second,
	Session:            session.DefaultConfig,
	RegistryStaleAfter: 30 * time.Second,
}

// WSIngress accepts WebSocket upgrades and runs the registration handshake
// (C6).
type WSIngress struct {
	cfg      WSConfig
	log      *meshlog.Logger
	reg      *registry.Registry
	verifier identity.Verifier
	codec    *wire.Codec
	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    map[string]*session.Session
	sessionSeq  uint64
	activeCount int64
}

// NewWSIngress wires a WSIngress against the shared Registry and Verifier.
func NewWSIngress(cfg WSConfig, log *meshlog.Logger, reg *registry.Registry, verifier identity.Verifier, codec *wire.Codec) *WSIngress {
	w := &WSIngress{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		verifier: verifier,
		codec:    codec,
		sessions: make(map[string]*session.Session),
	}
	w.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		Subprotocols:      []string{ProtocolToken},
		EnableCompression: false,
		CheckOrigin:       w.checkOrigin,
	}
	return w
}

func (w *WSIngress) checkOrigin(r *http.Request) bool {
	if len(w.cfg.OriginAllowlist) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, pattern := range w.cfg.OriginAllowlist {
		if pattern == "*" || pattern == origin {
			return true
		}
	}
	return false
}

// Handler returns the http.Handler to mount the WebSocket port's upgrade
// endpoint behind.
func (w *WSIngress) Handler() http.Handler { return http.HandlerFunc(w.serveHTTP) }

func (w *WSIngress) serveHTTP(rw http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&w.activeCount) >= int64(w.cfg.MaxConnections) {
		http.Error(rw, "too many connections", http.StatusServiceUnavailable)
		return
	}

	protocol := r.Header.Get("Sec-WebSocket-Protocol")
	if !hasToken(protocol, ProtocolToken) {
		w.log.Warnf("rejecting upgrade: protocol token %q, want %q", protocol, ProtocolToken)
		http.Error(rw, "missing or unsupported Sec-WebSocket-Protocol", http.StatusBadRequest)
		return
	}

	if !w.checkOrigin(r) {
		http.Error(rw, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Warnf("upgrade failed: %s", err)
		return
	}

	atomic.AddInt64(&w.activeCount, 1)
	go func() {
		defer atomic.AddInt64(&w.activeCount, -1)
		// r.Context() is cancelled as soon as this handler returns, so the
		// session must not inherit it; shutdown reaches sessions via DrainAll.
		w.runConnection(context.Background(), conn)
	}()
}

func hasToken(header, want string) bool {
	for _, tok := range strings.Split(header, ",") {
		if strings.TrimSpace(tok) == want {
			return true
		}
	}
	return false
}

func (w *WSIngress) nextSessionID() string {
	id := atomic.AddUint64(&w.sessionSeq, 1)
	return fmt.Sprintf("sess-%d", id)
}

// runConnection drives one accepted WebSocket through the handshake (spec
// §4.6 steps 3-8) and, on success, the steady-state session lifetime.
func (w *WSIngress) runConnection(ctx context.Context, conn *websocket.Conn) {
	id := w.nextSessionID()
	log := w.log.Fork("session %s", id)
	sess := session.New(id, conn, w.codec, log, w.cfg.Session)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !w.handshake(sess, conn) {
		conn.Close()
		return
	}

	sess.Run(connCtx)

	w.mu.Lock()
	w.sessions[id] = sess
	w.mu.Unlock()

	<-sess.Done()

	w.mu.Lock()
	delete(w.sessions, id)
	w.mu.Unlock()
	w.reg.Unbind(id)
	log.Infof("session closed, hostname=%s", sess.Hostname())
}

// handshake implements spec §4.6 steps 3-8. It returns true iff the
// session reached Registered.
func (w *WSIngress) handshake(sess *session.Session, conn *websocket.Conn) bool {
	deadline := time.Now().Add(w.cfg.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	sess.SetState(session.StateAuthenticating)

	authFrame, ok := w.readFrame(conn)
	if !ok {
		return false
	}
	if authFrame.Kind != wire.KindAuth {
		w.log.Warnf("expected auth, got %s", authFrame.Kind)
		w.writeFrame(conn, &wire.Frame{Kind: wire.KindBye, Reason: "ProtocolError"})
		return false
	}

	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), w.cfg.VerifyTimeout)
	principal, err := w.verifier.Verify(verifyCtx, authFrame.Proof)
	verifyCancel()
	if err != nil {
		reason := err.Error()
		w.log.Infof("auth rejected: %s", reason)
		w.writeFrame(conn, &wire.Frame{Kind: wire.KindAuthFail, Reason: reason})
		return false
	}
	w.writeFrame(conn, &wire.Frame{Kind: wire.KindAuthOk, Principal: principal.ID})

	regFrame, ok := w.readFrame(conn)
	if !ok {
		return false
	}
	if regFrame.Kind != wire.KindRegister {
		w.log.Warnf("expected register, got %s", regFrame.Kind)
		w.writeFrame(conn, &wire.Frame{Kind: wire.KindBye, Reason: "ProtocolError"})
		return false
	}

	hostname := strings.ToLower(strings.TrimSpace(regFrame.Hostname))
	if !isValidHostname(hostname) {
		w.writeFrame(conn, &wire.Frame{Kind: wire.KindRegisterFail, Reason: "invalid hostname"})
		return false
	}

	connectedAt := time.Now()
	entrySnapshot := func() registry.Entry {
		return registry.Entry{
			Hostname:    hostname,
			SessionID:   sess.ID(),
			Principal:   sess.Principal(),
			ConnectedAt: connectedAt,
			LastSeen:    sess.LastSeen(),
		}
	}

	bindErr := w.reg.TryBind(hostname, sess, entrySnapshot)
	if bindErr != nil {
		bindErr = w.reg.ReplaceIfDead(hostname, sess, entrySnapshot)
	}
	if bindErr != nil {
		w.log.Infof("register rejected for %s: %s", hostname, bindErr)
		w.writeFrame(conn, &wire.Frame{Kind: wire.KindRegisterFail, Reason: "AlreadyBound"})
		return false
	}

	sess.MarkRegistered(hostname, principal.ID, regFrame.ServiceName, regFrame.HealthPath)
	w.writeFrame(conn, &wire.Frame{Kind: wire.KindRegisterOk})
	w.log.Infof("session %s registered as %s (principal=%s)", sess.ID(), hostname, principal.ID)
	return true
}

func (w *WSIngress) readFrame(conn *websocket.Conn) (*wire.Frame, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		w.log.Debugf("handshake read failed: %s", err)
		return nil, false
	}
	frame, err := w.codec.Decode(data)
	if err != nil {
		w.log.Warnf("handshake decode failed: %s", err)
		return nil, false
	}
	return frame, true
}

func (w *WSIngress) writeFrame(conn *websocket.Conn, frame *wire.Frame) {
	data, err := w.codec.Encode(frame)
	if err != nil {
		w.log.Warnf("encode failed for %s: %s", frame.Kind, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.log.Debugf("handshake write failed: %s", err)
	}
}

// Lookup returns the live Session for a session_id, for the HTTP ingress.
func (w *WSIngress) Lookup(sessionID string) (*session.Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[sessionID]
	return s, ok
}

// DrainAll transitions every active session to Draining and waits for them
// to finish, for process shutdown, per spec §4.6's supervision note.
func (w *WSIngress) DrainAll() {
	w.mu.Lock()
	sessions := make([]*session.Session, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Drain()
		}(s)
	}
	wg.Wait()
}

// isValidHostname enforces a strict DNS label set, per spec §4.6 step 6.
func isValidHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	labels := strings.Split(h, ".")
	for _, l := range labels {
		if !isValidLabel(l) {
			return false
		}
	}
	return true
}

func isValidLabel(l string) bool {
	if l == "" || len(l) > 63 {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		alnum := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z')
		if !alnum && c != '-' {
			return false
		}
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	return true
}
