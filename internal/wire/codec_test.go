package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	c := NewCodec(DefaultLimits)
	cases := []*Frame{
		{Kind: KindAuth, Proof: "p"},
		{Kind: KindAuthOk, Principal: "arn:aws:iam::1:role/x"},
		{Kind: KindAuthFail, Reason: "bad proof"},
		{Kind: KindRegister, Hostname: "alpha.local", ServiceName: "svc"},
		{Kind: KindRegisterOk},
		{Kind: KindRegisterFail, Reason: "already_bound"},
		{Kind: KindRequest, ID: 1, Method: "GET", Path: "/p", Headers: Headers{{Name: "X-A", Value: "1"}}, DeadlineMs: 2000},
		{Kind: KindResponse, ID: 1, Status: 200, Headers: Headers{{Name: "Content-Type", Value: "text/plain"}}, Body: []byte("pong")},
		{Kind: KindRequestError, ID: 1, ErrorKind: "Timeout", Message: "local call timed out"},
		{Kind: KindPing, Nonce: 7},
		{Kind: KindPong, Nonce: 7},
		{Kind: KindBye, Reason: "shutdown"},
	}

	for _, f := range cases {
		encoded, err := c.Encode(f)
		if err != nil {
			t.Fatalf("encode %s: %v", f.Kind, err)
		}
		decoded, err := c.Decode(encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", f.Kind, err)
		}
		reEncoded, err := c.Encode(decoded)
		if err != nil {
			t.Fatalf("re-encode %s: %v", f.Kind, err)
		}
		if !bytes.Equal(encoded, reEncoded) {
			t.Errorf("%s: not byte-identical on round trip:\n%s\n%s", f.Kind, encoded, reEncoded)
		}
	}
}

func TestDecodeRejectsOversizeMessage(t *testing.T) {
	c := NewCodec(Limits{MaxMessageBytes: 16})
	big, _ := c.Encode(&Frame{Kind: KindPing, Nonce: 1})
	// pad past the boundary
	padded := append(big[:len(big)-1], []byte(`, "extra": "xxxxxxxxxxxxxxxx"}`)...)
	_, err := c.Decode(padded)
	if err == nil {
		t.Fatal("expected oversize rejection")
	}
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != DecodeTooLarge {
		t.Fatalf("expected DecodeTooLarge, got %v", err)
	}
}

func TestDecodeAcceptsExactlyMaxMessageBytes(t *testing.T) {
	f := &Frame{Kind: KindPing, Nonce: 1}
	c := NewCodec(DefaultLimits)
	encoded, _ := c.Encode(f)
	limited := NewCodec(Limits{MaxMessageBytes: len(encoded)})
	if _, err := limited.Decode(encoded); err != nil {
		t.Fatalf("expected exact-size message to be accepted: %v", err)
	}
	tooBig := NewCodec(Limits{MaxMessageBytes: len(encoded) - 1})
	if _, err := tooBig.Decode(encoded); err == nil {
		t.Fatal("expected one-byte-over message to be rejected")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	c := NewCodec(DefaultLimits)
	_, err := c.Decode([]byte(`{"kind":"frobnicate"}`))
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != DecodeUnknownKind {
		t.Fatalf("expected DecodeUnknownKind, got %v", err)
	}
}

func TestDecodeRejectsTooManyHeaders(t *testing.T) {
	c := NewCodec(Limits{MaxMessageBytes: 1 << 20, MaxHeaders: 2})
	var sb strings.Builder
	sb.WriteString(`{"kind":"request","method":"GET","path":"/","headers":[["a","1"],["b","2"],["c","3"]]}`)
	_, err := c.Decode([]byte(sb.String()))
	var de *DecodeError
	if !asDecodeError(err, &de) || de.Kind != DecodeTooLarge {
		t.Fatalf("expected DecodeTooLarge for header count, got %v", err)
	}
}

func TestStripHopByHop(t *testing.T) {
	in := Headers{
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Keep-Alive", Value: "timeout=5"},
		{Name: "Proxy-Authorization", Value: "secret"},
		{Name: "TE", Value: "trailers"},
		{Name: "Trailers", Value: "X-Sum"},
		{Name: "Transfer-Encoding", Value: "chunked"},
		{Name: "Upgrade", Value: "h2c"},
		{Name: "Host", Value: "alpha.local"},
		{Name: "X-Request-Id", Value: "abc"},
	}
	out := StripHopByHop(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 survivors, got %d: %+v", len(out), out)
	}
	if out[0].Name != "Host" || out[1].Name != "X-Request-Id" {
		t.Fatalf("unexpected survivors: %+v", out)
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}
