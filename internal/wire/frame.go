// Package wire implements the framing codec (C1): the tagged JSON envelope
// exchanged as single WebSocket messages between an ingress and an agent.
// See spec §6 for the wire table this package encodes/decodes.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a frame variant by its wire "kind" field.
type Kind string

// Frame kinds, one per spec §3/§6 variant.
const (
	KindAuth          Kind = "auth"
	KindAuthOk        Kind = "auth_ok"
	KindAuthFail      Kind = "auth_fail"
	KindRegister      Kind = "register"
	KindRegisterOk    Kind = "register_ok"
	KindRegisterFail  Kind = "register_fail"
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindRequestError  Kind = "request_error"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindBye           Kind = "bye"
)

// Header is a single (name, value) pair. A slice of Header preserves
// duplicate names and wire order, per spec §6.
type Header struct {
	Name  string `json:"0"`
	Value string `json:"1"`
}

// MarshalJSON encodes a Header as a 2-element JSON array, matching the
// `[[string,string],...]` wire shape in spec §6.
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

// UnmarshalJSON decodes a Header from a 2-element JSON array.
func (h *Header) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}

// Headers is an ordered, duplicate-preserving header list.
type Headers []Header

// Get returns the value of the first header matching name, case
// insensitively, and whether one was found.
func (hs Headers) Get(name string) (string, bool) {
	for _, h := range hs {
		if equalFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Frame is the envelope decoded from (or encoded to) a single WebSocket
// message. Exactly the fields relevant to Kind are populated; callers
// switch on Kind and read the fields below.
type Frame struct {
	Kind Kind `json:"kind"`

	// auth / auth_ok / auth_fail
	Proof     string `json:"proof,omitempty"`
	Principal string `json:"principal,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// register
	Hostname    string `json:"hostname,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	HealthPath  string `json:"health_path,omitempty"`

	// request / response / request_error
	ID         uint64  `json:"id,omitempty"`
	Method     string  `json:"method,omitempty"`
	Path       string  `json:"path,omitempty"`
	Headers    Headers `json:"headers,omitempty"`
	Body       []byte  `json:"body,omitempty"`
	DeadlineMs uint64  `json:"deadline_ms,omitempty"`
	Status     uint16  `json:"status,omitempty"`
	// ErrorKind carries request_error's classification. The wire table names
	// this field "kind" too, but that collides with the envelope's own
	// discriminator on the same JSON object; it is sent as "error_kind"
	// instead (see DESIGN.md).
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	// ping / pong
	Nonce uint64 `json:"nonce,omitempty"`
}
