package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anywhere-mesh/mesh/internal/meshlog"
	"github.com/anywhere-mesh/mesh/internal/registry"
	"github.com/anywhere-mesh/mesh/internal/session"
	"github.com/anywhere-mesh/mesh/internal/wire"
)

// ViaIdentifier is sent on every proxied response's Via header, per spec
// §4.5 step 7.
const ViaIdentifier = "1.1 anywhere-mesh"

// HTTPConfig bounds the front-door HTTP ingress, per spec §4.5/§6.
type HTTPConfig struct {
	Addr              string
	RequestTimeout    time.Duration // T_request, default 30s
	MaxBodyBytes      int           // M_max, default 1MiB
	DebugServices     bool          // enable /debug/services
}

// DefaultHTTPConfig matches the defaults named in spec §4.5/§6.
var DefaultHTTPConfig = HTTPConfig{
	Addr:           ":8080",
	RequestTimeout: 30 * time.Second,
	MaxBodyBytes:   1 << 20,
	DebugServices:  true,
}

// sessionLookup is the subset of WSIngress the HTTP ingress depends on.
type sessionLookup interface {
	Lookup(sessionID string) (*session.Session, bool)
}

// HTTPIngress is the front door (C5): Host-based routing to a Session,
// per spec §4.5.
type HTTPIngress struct {
	cfg  HTTPConfig
	log  *meshlog.Logger
	reg  *registry.Registry
	ws   sessionLookup
}

// NewHTTPIngress wires an HTTPIngress against the shared Registry and the
// WSIngress that owns live sessions.
func NewHTTPIngress(cfg HTTPConfig, log *meshlog.Logger, reg *registry.Registry, ws sessionLookup) *HTTPIngress {
	return &HTTPIngress{cfg: cfg, log: log, reg: reg, ws: ws}
}

// Handler returns the http.Handler to mount the HTTP port behind.
func (h *HTTPIngress) Handler() http.Handler { return http.HandlerFunc(h.serveHTTP) }

func (h *HTTPIngress) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		h.serveHealth(w, r)
		return
	case "/debug/services":
		if h.cfg.DebugServices {
			h.serveDebugServices(w, r)
			return
		}
	}
	h.proxy(w, r)
}

func (h *HTTPIngress) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": h.reg.Count(),
	})
}

func (h *HTTPIngress) serveDebugServices(w http.ResponseWriter, r *http.Request) {
	type entryView struct {
		Hostname    string    `json:"hostname"`
		Principal   string    `json:"principal"`
		ConnectedAt time.Time `json:"connected_at"`
		LastSeen    time.Time `json:"last_seen"`
		Pending     int       `json:"pending"`
	}
	snapshot := h.reg.Snapshot()
	out := make([]entryView, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, entryView{
			Hostname: e.Hostname, Principal: e.Principal,
			ConnectedAt: e.ConnectedAt, LastSeen: e.LastSeen, Pending: e.Pending,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// proxy implements spec §4.5 steps 1-7.
func (h *HTTPIngress) proxy(w http.ResponseWriter, r *http.Request) {
	host := canonicalizeHost(r.Host)

	sessionID, ok := h.reg.Lookup(host)
	if !ok {
		http.Error(w, fmt.Sprintf("no route for host %q", host), http.StatusBadGateway)
		return
	}
	sess, ok := h.ws.Lookup(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("no route for host %q", host), http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.cfg.MaxBodyBytes)+1))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusInternalServerError)
		return
	}
	if len(body) > h.cfg.MaxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	deadline := time.Now().Add(h.cfg.RequestTimeout)
	req := &wire.Frame{
		Method:     r.Method,
		Path:       path,
		Headers:    wire.StripHopByHop(headersFromHTTP(r.Header)),
		Body:       body,
		DeadlineMs: uint64(h.cfg.RequestTimeout / time.Millisecond),
	}

	resp, err := sess.Dispatch(r.Context(), req, deadline)
	if err != nil {
		h.writeDispatchError(w, host, err)
		return
	}

	for _, hd := range wire.StripHopByHop(resp.Headers) {
		w.Header().Add(hd.Name, hd.Value)
	}
	w.Header().Set("Via", ViaIdentifier)
	status := int(resp.Status)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

func (h *HTTPIngress) writeDispatchError(w http.ResponseWriter, host string, err error) {
	de, ok := err.(*session.DispatchError)
	if !ok {
		h.log.Warnf("unexpected dispatch error for host %s: %s", host, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	switch de.Kind {
	case session.ErrTimeout:
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	case session.ErrBackpressure:
		w.Header().Set("Retry-After", "1")
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	case session.ErrSessionClosed, session.ErrDraining:
		http.Error(w, fmt.Sprintf("no route for host %q", host), http.StatusBadGateway)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// canonicalizeHost lowercases host and strips a trailing :port, per spec
// §4.5 step 1 and §8's boundary behavior.
func canonicalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	return host
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
