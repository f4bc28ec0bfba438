package lifecycle

import (
	"context"
	"net"
	"net/http"

	"github.com/anywhere-mesh/mesh/internal/meshlog"
)

// HTTPServer wraps net/http.Server with graceful, context-bindable shutdown,
// adapted from the teacher project's share/http_server.go.
type HTTPServer struct {
	Helper
	*http.Server
	listener net.Listener
	log      *meshlog.Logger
}

// NewHTTPServer creates a server that logs through the given Logger.
func NewHTTPServer(log *meshlog.Logger) *HTTPServer {
	h := &HTTPServer{Server: &http.Server{}, log: log}
	h.Init(h.handleShutdown)
	return h
}

func (h *HTTPServer) handleShutdown(completionErr error) error {
	h.log.Debugf("closing listener")
	err := h.listener.Close()
	if err != nil {
		h.log.Debugf("close of listener failed, ignoring: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe binds addr and serves handler until the server is shut
// down, either via ctx cancellation or a call to Shutdown. It blocks until
// shutdown completes.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return h.log.Errorf("listen on %s failed: %w", addr, err)
	}
	h.listener = l
	h.Handler = handler
	h.ShutdownOnContext(ctx)

	go func() {
		serveErr := h.Serve(l)
		h.StartShutdown(serveErr)
	}()

	return h.WaitShutdown()
}
