// Package session implements the per-connected-agent state (C4): the
// WebSocket, its outgoing send queue, the pending-request table, and
// liveness, per spec §3/§4.4/§5.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"

	"github.com/anywhere-mesh/mesh/internal/lifecycle"
	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

// State is the Session lifecycle state from spec §3.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats are the per-session counters named in spec §3.
type Stats struct {
	FramesIn       int64
	FramesOut      int64
	BytesIn        int64
	BytesOut       int64
	RequestsServed int64
	Errors         int64
}

// Conn is the minimal surface of *websocket.Conn that Session depends on,
// so tests can substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// Config bounds and timeouts for a Session, per spec §4.4/§5/§6.
type Config struct {
	OutboundDepth  int           // default 256
	PendingDepth   int           // default 1024
	PingInterval   time.Duration // T_ping, default 15s
	PingTimeout    time.Duration // T_ping_timeout, default 20s
	IdleMax        time.Duration // T_idle_max, default 60s
	DrainTimeout   time.Duration // T_drain, default 10s
}

// DefaultConfig matches the defaults named in spec §4.4.
var DefaultConfig = Config{
	OutboundDepth: 256,
	PendingDepth:  1024,
	PingInterval:  15 * time.Second,
	PingTimeout:   20 * time.Second,
	IdleMax:       60 * time.Second,
	DrainTimeout:  10 * time.Second,
}

// Session is the ingress-side state for one connected agent (C4).
type Session struct {
	lifecycle.Helper

	id          string
	conn        Conn
	codec       *wire.Codec
	log         *meshlog.Logger
	cfg         Config

	mu          sync.Mutex
	state       State
	hostname    string
	principal   string
	serviceName string
	healthPath  string
	lastSeen    time.Time
	createdAt   time.Time
	stats       Stats

	outbound  chan *wire.Frame
	pending   *pendingTable
	requestID uint64

	pingNonce   uint64
	pingOutAt   time.Time
	pingPending bool

	writerDone chan struct{}
	readerDone chan struct{}
}

// New creates a Session in state Connecting, wrapping conn. id is the
// process-unique session_id assigned at accept time.
func New(id string, conn Conn, codec *wire.Codec, log *meshlog.Logger, cfg Config) *Session {
	s := &Session{
		id:         id,
		conn:       conn,
		codec:      codec,
		log:        log,
		cfg:        cfg,
		state:      StateConnecting,
		createdAt:  time.Now(),
		lastSeen:   time.Now(),
		outbound:   make(chan *wire.Frame, cfg.OutboundDepth),
		pending:    newPendingTable(cfg.PendingDepth),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	s.Init(s.handleShutdown)
	return s
}

// ID returns the session_id.
func (s *Session) ID() string { return s.id }

// SessionID implements registry.Holder.
func (s *Session) SessionID() string { return s.id }

// IsRegistered implements registry.Holder.
func (s *Session) IsRegistered() bool { return s.State() == StateRegistered }

// LastSeen implements registry.Holder.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Hostname returns the registered hostname (empty before Register completes).
func (s *Session) Hostname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostname
}

// Principal returns the validated principal ID.
func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Stats returns a copy of the current counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// MarkRegistered records the handshake outcome and transitions to
// Registered, per spec §4.6 step 8.
func (s *Session) MarkRegistered(hostname, principal, serviceName, healthPath string) {
	s.mu.Lock()
	s.hostname = hostname
	s.principal = principal
	s.serviceName = serviceName
	s.healthPath = healthPath
	s.state = StateRegistered
	s.mu.Unlock()
}

// SetState allows the handshake code in C6 to move through Authenticating
// explicitly.
func (s *Session) SetState(state State) { s.setState(state) }

// touch updates last_seen on any received frame, per spec §4.4.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Send enqueues frame on outbound. It returns Backpressure immediately if
// the queue is full, per spec §4.4's writer contract.
func (s *Session) Send(frame *wire.Frame) error {
	select {
	case s.outbound <- frame:
		return nil
	default:
		return &DispatchError{Kind: ErrBackpressure}
	}
}

// Dispatch sends a Request frame and waits for its Response, per spec
// §4.4's request dispatch algorithm.
func (s *Session) Dispatch(ctx context.Context, req *wire.Frame, deadline time.Time) (*wire.Frame, error) {
	if s.State() == StateDraining || s.State() == StateClosed {
		return nil, &DispatchError{Kind: ErrDraining}
	}

	id := atomic.AddUint64(&s.requestID, 1)
	req.Kind = wire.KindRequest
	req.ID = id

	entry, ok := s.pending.insert(id, deadline)
	if !ok {
		return nil, &DispatchError{Kind: ErrBackpressure}
	}

	if err := s.Send(req); err != nil {
		s.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-entry.completion:
		if res.err != nil {
			return nil, res.err
		}
		s.mu.Lock()
		s.stats.RequestsServed++
		s.mu.Unlock()
		return res.response, nil
	case <-timer.C:
		s.pending.remove(id)
		return nil, &DispatchError{Kind: ErrTimeout}
	case <-ctx.Done():
		s.pending.remove(id)
		return nil, ctx.Err()
	case <-s.Done():
		return nil, &DispatchError{Kind: ErrSessionClosed}
	}
}

// Run starts the reader, writer, and liveness goroutines and returns
// immediately; Done is closed once the session has shut down. ctx bounds
// the session's lifetime.
func (s *Session) Run(ctx context.Context) {
	s.ShutdownOnContext(ctx)
	go s.writeLoop()
	go s.readLoop()
	go s.livenessLoop(ctx)
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			data, err := s.codec.Encode(frame)
			if err != nil {
				s.log.Warnf("encode failed for %s, dropping: %s", frame.Kind, err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debugf("write failed, closing: %s", err)
				s.StartShutdown(err)
				return
			}
			s.mu.Lock()
			s.stats.FramesOut++
			s.stats.BytesOut += int64(len(data))
			s.mu.Unlock()
		case <-s.Done():
			return
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debugf("read failed, closing: %s", err)
			s.StartShutdown(err)
			return
		}

		s.touch()
		s.mu.Lock()
		s.stats.FramesIn++
		s.stats.BytesIn += int64(len(data))
		s.mu.Unlock()

		frame, err := s.codec.Decode(data)
		if err != nil {
			s.log.Warnf("protocol error, closing session %s: %s", s.id, err)
			s.sendBye("ProtocolError")
			s.mu.Lock()
			s.stats.Errors++
			s.mu.Unlock()
			s.StartShutdown(err)
			return
		}

		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame *wire.Frame) {
	switch frame.Kind {
	case wire.KindResponse:
		if !s.pending.complete(frame.ID, pendingResult{response: frame}) {
			s.log.Debugf("response for unknown request_id %d dropped", frame.ID)
		}
	case wire.KindRequestError:
		if !s.pending.complete(frame.ID, pendingResult{err: fmt.Errorf("%s: %s", frame.ErrorKind, frame.Message)}) {
			s.log.Debugf("request_error for unknown request_id %d dropped", frame.ID)
		}
	case wire.KindPing:
		s.Send(&wire.Frame{Kind: wire.KindPong, Nonce: frame.Nonce})
	case wire.KindPong:
		s.mu.Lock()
		if s.pingPending && frame.Nonce == s.pingNonce {
			s.pingPending = false
		}
		s.mu.Unlock()
	case wire.KindBye:
		s.log.Infof("session %s received bye: %s", s.id, frame.Reason)
		s.StartShutdown(nil)
	default:
		s.log.Warnf("unexpected frame kind %s post-handshake, closing session %s", frame.Kind, s.id)
		s.sendBye("ProtocolError")
		s.StartShutdown(fmt.Errorf("unexpected frame kind %s", frame.Kind))
	}
}

func (s *Session) sendBye(reason string) {
	// best effort; the writer may already be gone
	select {
	case s.outbound <- &wire.Frame{Kind: wire.KindBye, Reason: reason}:
	default:
	}
}

func (s *Session) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval / 2)
	if ticker.C == nil {
		return
	}
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkLiveness()
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		}
	}
}

func (s *Session) checkLiveness() {
	s.mu.Lock()
	idle := time.Since(s.lastSeen)
	pingPending := s.pingPending
	pingOutAt := s.pingOutAt
	s.mu.Unlock()

	if idle > s.cfg.IdleMax {
		s.log.Infof("session %s idle for %s, closing (LivenessLost)", s.id, idle)
		s.StartShutdown(fmt.Errorf("idle timeout"))
		return
	}

	if pingPending {
		if time.Since(pingOutAt) > s.cfg.PingTimeout {
			s.log.Infof("session %s ping timeout, closing (LivenessLost)", s.id)
			s.StartShutdown(fmt.Errorf("ping timeout"))
		}
		return
	}

	if idle >= s.cfg.PingInterval {
		s.mu.Lock()
		s.pingNonce++
		nonce := s.pingNonce
		s.pingPending = true
		s.pingOutAt = time.Now()
		s.mu.Unlock()
		s.Send(&wire.Frame{Kind: wire.KindPing, Nonce: nonce})
	}
}

// Drain transitions to Draining, stops accepting new Dispatch calls, and
// waits up to T_drain for outstanding requests to finish before forcing
// closed, per spec §4.4.
func (s *Session) Drain() {
	s.setState(StateDraining)

	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.pending.len() == 0 {
			break
		}
		select {
		case <-deadline.C:
			goto closeNow
		case <-ticker.C:
		}
	}
closeNow:
	s.StartShutdown(nil)
	s.WaitShutdown()
}

func (s *Session) handleShutdown(completionErr error) error {
	s.setState(StateClosed)
	err := s.conn.Close()
	s.pending.drainAll(&DispatchError{Kind: ErrSessionClosed})
	if completionErr == nil {
		completionErr = err
	}
	s.log.Debugf("session %s closed (frames in=%d out=%d, bytes in=%s out=%s)",
		s.id, s.Stats().FramesIn, s.Stats().FramesOut,
		sizestr.ToString(s.Stats().BytesIn), sizestr.ToString(s.Stats().BytesOut))
	return completionErr
}
