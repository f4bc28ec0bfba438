package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

// fakeConn is an in-memory Conn that feeds handler-supplied messages on
// ReadMessage and records everything written, so Session's goroutines can be
// exercised without a real socket.
type fakeConn struct {
	mu       sync.Mutex
	inbox    chan []byte
	closed   bool
	written  [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16)}
}

func (f *fakeConn) push(data []byte) { f.inbox <- data }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed conn")
	}
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) lastWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func newTestSession(t *testing.T, conn *fakeConn) *Session {
	t.Helper()
	cfg := DefaultConfig
	cfg.PingInterval = time.Hour // disable liveness churn during tests
	s := New("s1", conn, wire.NewCodec(wire.DefaultLimits), meshlog.New("test", meshlog.LevelDebug), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Run(ctx)
	return s
}

func TestDispatchReceivesMatchingResponse(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn)
	s.MarkRegistered("alpha.local", "alice", "svc", "/health")

	go func() {
		for i := 0; i < 50; i++ {
			data := conn.lastWritten()
			if data == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			f, err := wire.NewCodec(wire.DefaultLimits).Decode(data)
			if err != nil || f.Kind != wire.KindRequest {
				time.Sleep(time.Millisecond)
				continue
			}
			resp, _ := wire.NewCodec(wire.DefaultLimits).Encode(&wire.Frame{
				Kind: wire.KindResponse, ID: f.ID, Status: 200, Body: []byte("ok"),
			})
			conn.push(resp)
			return
		}
	}()

	req := &wire.Frame{Method: "GET", Path: "/"}
	res, err := s.Dispatch(context.Background(), req, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestDispatchTimesOutWithoutResponse(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn)
	s.MarkRegistered("alpha.local", "alice", "svc", "/health")

	req := &wire.Frame{Method: "GET", Path: "/"}
	_, err := s.Dispatch(context.Background(), req, time.Now().Add(30*time.Millisecond))
	var de *DispatchError
	if !errors.As(err, &de) || de.Kind != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn)
	s.MarkRegistered("alpha.local", "alice", "svc", "/health")

	data, err := wire.NewCodec(wire.DefaultLimits).Encode(&wire.Frame{Kind: wire.KindPing, Nonce: 7})
	if err != nil {
		t.Fatal(err)
	}
	conn.push(data)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if out := conn.lastWritten(); out != nil {
			f, err := wire.NewCodec(wire.DefaultLimits).Decode(out)
			if err == nil && f.Kind == wire.KindPong && f.Nonce == 7 {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected a pong in response to ping")
}

func TestMalformedFrameClosesSession(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn)
	conn.push([]byte("not json"))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session to close after malformed frame")
	}
}
