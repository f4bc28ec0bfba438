package ingress

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anywhere-mesh/mesh/internal/identity"
	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/registry"
	"github.com/anywhere-mesh/mesh/internal/session"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

func newTestWSIngress(t *testing.T) (*WSIngress, *registry.Registry, *httptest.Server) {
	t.Helper()
	al, err := identity.NewAllowlist([]string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	verifier := identity.NewStaticVerifier(al, 60*time.Second)
	reg := registry.New(30 * time.Second)
	log := meshlog.New("test", meshlog.LevelDebug)

	cfg := DefaultWSConfig
	cfg.Session = session.DefaultConfig
	cfg.Session.PingInterval = time.Hour

	w := NewWSIngress(cfg, log, reg, verifier, wire.NewCodec(wire.DefaultLimits))
	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)
	return w, reg, srv
}

func dialAgent(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	dialer := websocket.Dialer{Subprotocols: []string{ProtocolToken}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestHandshakeRejectsMissingProtocolToken(t *testing.T) {
	_, _, srv := newTestWSIngress(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without subprotocol to fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestHandshakeSucceedsAndRegistersHostname(t *testing.T) {
	_, reg, srv := newTestWSIngress(t)
	conn := dialAgent(t, srv)
	defer conn.Close()

	codec := wire.NewCodec(wire.DefaultLimits)

	proof := fmt.Sprintf("alice|%d", time.Now().Unix())
	send(t, conn, codec, &wire.Frame{Kind: wire.KindAuth, Proof: proof})
	reply := recv(t, conn, codec)
	if reply.Kind != wire.KindAuthOk {
		t.Fatalf("expected auth_ok, got %+v", reply)
	}

	send(t, conn, codec, &wire.Frame{Kind: wire.KindRegister, Hostname: "alpha.local"})
	reply = recv(t, conn, codec)
	if reply.Kind != wire.KindRegisterOk {
		t.Fatalf("expected register_ok, got %+v", reply)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if id, ok := reg.Lookup("alpha.local"); ok && id != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected alpha.local to be registered")
}

func TestHandshakeRejectsRegisterBeforeAuth(t *testing.T) {
	_, _, srv := newTestWSIngress(t)
	conn := dialAgent(t, srv)
	defer conn.Close()

	codec := wire.NewCodec(wire.DefaultLimits)
	send(t, conn, codec, &wire.Frame{Kind: wire.KindRegister, Hostname: "alpha.local"})
	reply := recv(t, conn, codec)
	if reply.Kind != wire.KindBye {
		t.Fatalf("expected bye, got %+v", reply)
	}
}

func send(t *testing.T, conn *websocket.Conn, codec *wire.Codec, f *wire.Frame) {
	t.Helper()
	data, err := codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func recv(t *testing.T, conn *websocket.Conn, codec *wire.Codec) *wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := codec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}
