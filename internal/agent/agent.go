// Package agent implements the tunnel agent (C7): the outbound-dialing
// peer that registers a hostname with an ingress and proxies its traffic
// to a local HTTP service. Grounded on the teacher project's
// share/client.go connectionLoop.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

// ProofProvider yields a fresh proof on demand, per spec §4.7's
// proof_provider option.
type ProofProvider func(ctx context.Context) (string, error)

// Reconnect bounds the backoff applied between connection attempts.
type Reconnect struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterRatio    float64
}

// DefaultReconnect matches spec §4.7's defaults.
var DefaultReconnect = Reconnect{
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	JitterRatio:    0.2,
}

// Config is the agent's configuration, per spec §4.7's option table.
type Config struct {
	IngressURL         string
	LocalURL           string
	Hostname           string
	ServiceName         string
	ProofProvider      ProofProvider
	HealthPath         string
	Reconnect          Reconnect
	RequestConcurrency int           // default 64
	LocalTimeout       time.Duration // T_local_request, default 30s
	StableAfter        time.Duration // T_stable, default 30s
	PingInterval       time.Duration
	PingTimeout        time.Duration
	IdleMax            time.Duration
}

// DefaultConfig matches spec §4.7/§4.4's defaults.
var DefaultConfig = Config{
	Reconnect:          DefaultReconnect,
	RequestConcurrency: 64,
	LocalTimeout:       30 * time.Second,
	StableAfter:        30 * time.Second,
	PingInterval:       15 * time.Second,
	PingTimeout:        20 * time.Second,
	IdleMax:            60 * time.Second,
}

// Agent is one running instance of the tunnel agent.
type Agent struct {
	cfg   Config
	log   *meshlog.Logger
	codec *wire.Codec
	local *http.Client
	sem   chan struct{}
}

// New creates an Agent ready to Run.
func New(cfg Config, log *meshlog.Logger) *Agent {
	return &Agent{
		cfg:   cfg,
		log:   log,
		codec: wire.NewCodec(wire.DefaultLimits),
		local: &http.Client{Timeout: cfg.LocalTimeout},
		sem:   make(chan struct{}, cfg.RequestConcurrency),
	}
}

// Run dials, registers, and serves requests until ctx is cancelled,
// reconnecting with backoff on any failure, per spec §4.7's connection
// loop.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    a.cfg.Reconnect.InitialBackoff,
		Max:    a.cfg.Reconnect.MaxBackoff,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connectedAt := time.Now()
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) >= a.cfg.StableAfter {
			b.Reset()
		}

		d := b.Duration()
		a.log.Warnf("connection lost: %s, retrying in %s", err, d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// runOnce performs one dial-auth-register-serve cycle. It returns when
// the connection ends, for any reason.
func (a *Agent) runOnce(ctx context.Context) error {
	wsURL, err := toWebSocketURL(a.cfg.IngressURL)
	if err != nil {
		return fmt.Errorf("agent: bad ingress url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{"mesh-v1"},
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	if err := a.handshake(ctx, conn); err != nil {
		return err
	}

	a.log.Infof("registered as %s", a.cfg.Hostname)
	return a.serve(ctx, conn)
}

func (a *Agent) handshake(ctx context.Context, conn *websocket.Conn) error {
	proof, err := a.cfg.ProofProvider(ctx)
	if err != nil {
		return fmt.Errorf("proof provider failed: %w", err)
	}

	if err := a.write(conn, &wire.Frame{Kind: wire.KindAuth, Proof: proof}); err != nil {
		return err
	}
	f, err := a.read(conn)
	if err != nil {
		return err
	}
	if f.Kind != wire.KindAuthOk {
		return fmt.Errorf("auth rejected: %s", f.Reason)
	}

	if err := a.write(conn, &wire.Frame{
		Kind: wire.KindRegister, Hostname: a.cfg.Hostname,
		ServiceName: a.cfg.ServiceName, HealthPath: a.cfg.HealthPath,
	}); err != nil {
		return err
	}
	f, err = a.read(conn)
	if err != nil {
		return err
	}
	if f.Kind != wire.KindRegisterOk {
		return fmt.Errorf("register rejected: %s", f.Reason)
	}
	return nil
}

// liveness tracks this connection's ping/pong/idle state, mirroring the
// ingress side's Session.checkLiveness (spec §4.4/§4.7 step 5): a fresh
// nonce per ping, and the connection is closed if a Pong doesn't arrive
// within PingTimeout or nothing at all is heard from the ingress within
// IdleMax.
type liveness struct {
	mu          sync.Mutex
	lastSeen    time.Time
	pingNonce   uint64
	pingPending bool
	pingOutAt   time.Time
}

func (l *liveness) touch() {
	l.mu.Lock()
	l.lastSeen = time.Now()
	l.mu.Unlock()
}

func (l *liveness) onPong(nonce uint64) {
	l.mu.Lock()
	if l.pingPending && nonce == l.pingNonce {
		l.pingPending = false
	}
	l.mu.Unlock()
}

// serve is the steady-state loop: receive Request frames, dispatch to the
// local service, emit Response/RequestError, mirror Ping/Pong, and enforce
// liveness, per spec §4.7.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	writeCh := make(chan *wire.Frame, 64)
	readErr := make(chan error, 1)
	ls := &liveness{lastSeen: time.Now()}

	go func() {
		for {
			data, err := a.readRaw(conn)
			if err != nil {
				readErr <- err
				return
			}
			f, err := a.codec.Decode(data)
			if err != nil {
				readErr <- err
				return
			}
			ls.touch()
			a.handleFrame(ctx, f, writeCh, ls)
		}
	}()

	livenessTicker := time.NewTicker(a.cfg.PingInterval / 2)
	defer livenessTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case f := <-writeCh:
			if err := a.write(conn, f); err != nil {
				return err
			}
		case <-livenessTicker.C:
			if err := a.checkLiveness(conn, ls); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) checkLiveness(conn *websocket.Conn, ls *liveness) error {
	ls.mu.Lock()
	idle := time.Since(ls.lastSeen)
	pingPending := ls.pingPending
	pingOutAt := ls.pingOutAt
	ls.mu.Unlock()

	if idle > a.cfg.IdleMax {
		return fmt.Errorf("idle timeout")
	}

	if pingPending {
		if time.Since(pingOutAt) > a.cfg.PingTimeout {
			return fmt.Errorf("ping timeout")
		}
		return nil
	}

	if idle >= a.cfg.PingInterval {
		ls.mu.Lock()
		ls.pingNonce++
		nonce := ls.pingNonce
		ls.pingPending = true
		ls.pingOutAt = time.Now()
		ls.mu.Unlock()
		return a.write(conn, &wire.Frame{Kind: wire.KindPing, Nonce: nonce})
	}
	return nil
}

func (a *Agent) handleFrame(ctx context.Context, f *wire.Frame, writeCh chan<- *wire.Frame, ls *liveness) {
	switch f.Kind {
	case wire.KindRequest:
		go a.handleRequest(ctx, f, writeCh)
	case wire.KindPing:
		writeCh <- &wire.Frame{Kind: wire.KindPong, Nonce: f.Nonce}
	case wire.KindPong:
		ls.onPong(f.Nonce)
	case wire.KindBye:
		a.log.Infof("ingress sent bye: %s", f.Reason)
	default:
		a.log.Warnf("unexpected frame kind %s", f.Kind)
	}
}

// handleRequest implements spec §4.7's steady-state steps 1-4, bounded by
// the request_concurrency semaphore.
func (a *Agent) handleRequest(ctx context.Context, f *wire.Frame, writeCh chan<- *wire.Frame) {
	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return
	}

	deadline := a.cfg.LocalTimeout
	if f.DeadlineMs > 0 {
		if d := time.Duration(f.DeadlineMs) * time.Millisecond; d < deadline {
			deadline = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, errKind, err := a.dispatchLocal(reqCtx, f)
	if err != nil {
		writeCh <- &wire.Frame{Kind: wire.KindRequestError, ID: f.ID, ErrorKind: errKind, Message: err.Error()}
		return
	}
	writeCh <- resp
}

func (a *Agent) dispatchLocal(ctx context.Context, f *wire.Frame) (*wire.Frame, string, error) {
	target := strings.TrimRight(a.cfg.LocalURL, "/") + f.Path

	req, err := http.NewRequestWithContext(ctx, f.Method, target, bytes.NewReader(f.Body))
	if err != nil {
		return nil, "DialFailed", err
	}
	for _, h := range wire.StripHopByHop(f.Headers) {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := a.local.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "Timeout", fmt.Errorf("local request timed out")
		}
		return nil, "DialFailed", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(wire.DefaultLimits.MaxMessageBytes)+1))
	if err != nil {
		return nil, "BadResponse", err
	}
	if len(body) > wire.DefaultLimits.MaxMessageBytes {
		return nil, "OversizeBody", fmt.Errorf("local response exceeds max message size")
	}

	return &wire.Frame{
		Kind:    wire.KindResponse,
		ID:      f.ID,
		Status:  uint16(resp.StatusCode),
		Headers: wire.StripHopByHop(headersFromHTTP(resp.Header)),
		Body:    body,
	}, "", nil
}

func (a *Agent) write(conn *websocket.Conn, f *wire.Frame) error {
	data, err := a.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) read(conn *websocket.Conn) (*wire.Frame, error) {
	data, err := a.readRaw(conn)
	if err != nil {
		return nil, err
	}
	return a.codec.Decode(data)
}

func (a *Agent) readRaw(conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.ReadMessage()
	return data, err
}

func toWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func headersFromHTTP(h http.Header) wire.Headers {
	out := make(wire.Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, wire.Header{Name: name, Value: v})
		}
	}
	return out
}
