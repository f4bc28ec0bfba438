package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

func TestToWebSocketURLSchemeTranslation(t *testing.T) {
	cases := map[string]string{
		"http://example.com/":  "ws://example.com/",
		"https://example.com/": "wss://example.com/",
		"ws://example.com/":    "ws://example.com/",
	}
	for in, want := range cases {
		got, err := toWebSocketURL(in)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("toWebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAgentRegistersAndProxiesRequest(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/p" {
			w.Write([]byte("pong"))
			return
		}
		http.NotFound(w, r)
	}))
	defer local.Close()

	var upgrader = websocket.Upgrader{Subprotocols: []string{"mesh-v1"}}
	codec := wire.NewCodec(wire.DefaultLimits)

	registered := make(chan struct{})
	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Error(err)
			return
		}
		authFrame, _ := codec.Decode(data)
		if authFrame.Kind != wire.KindAuth {
			t.Errorf("expected auth, got %s", authFrame.Kind)
			return
		}
		okData, _ := codec.Encode(&wire.Frame{Kind: wire.KindAuthOk, Principal: "alice"})
		conn.WriteMessage(websocket.TextMessage, okData)

		_, data, err = conn.ReadMessage()
		if err != nil {
			t.Error(err)
			return
		}
		regFrame, _ := codec.Decode(data)
		if regFrame.Kind != wire.KindRegister {
			t.Errorf("expected register, got %s", regFrame.Kind)
			return
		}
		regOk, _ := codec.Encode(&wire.Frame{Kind: wire.KindRegisterOk})
		conn.WriteMessage(websocket.TextMessage, regOk)
		close(registered)

		reqData, _ := codec.Encode(&wire.Frame{Kind: wire.KindRequest, ID: 1, Method: "GET", Path: "/p"})
		conn.WriteMessage(websocket.TextMessage, reqData)

		_, data, err = conn.ReadMessage()
		if err != nil {
			t.Error(err)
			return
		}
		respFrame, _ := codec.Decode(data)
		if respFrame.Kind != wire.KindResponse || respFrame.Status != 200 || string(respFrame.Body) != "pong" {
			t.Errorf("unexpected response frame: %+v", respFrame)
		}
	}))
	defer ingress.Close()

	wsURL := "ws" + strings.TrimPrefix(ingress.URL, "http")
	cfg := DefaultConfig
	cfg.IngressURL = wsURL
	cfg.LocalURL = local.URL
	cfg.Hostname = "alpha.local"
	cfg.ProofProvider = func(ctx context.Context) (string, error) {
		return fmt.Sprintf("alice|%d", time.Now().Unix()), nil
	}

	a := New(cfg, meshlog.New("test", meshlog.LevelDebug))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.runOnce(ctx) }()

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected registration to complete")
	}

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && err.Error() != "EOF" {
			t.Logf("runOnce returned: %v", err)
		}
	case <-time.After(2 * time.Second):
	}
}
