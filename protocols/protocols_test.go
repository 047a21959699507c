// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package protocols

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/coronanet/go-peerfinder/identity"
)

// Tests that bare newlines are dropped as pings and documents decode in order.
func TestLineReaderPings(t *testing.T) {
	stream := "\n\n{\"id\":\"1\",\"sessionKeepAlive\":{}}\n\r\n\n{\"id\":\"2\",\"sessionDeleteResult\":{}}\n\n"
	reader := NewLineReader(strings.NewReader(stream))

	var env Envelope
	if err := reader.Read(&env); err != nil {
		t.Fatalf("Failed to read first document: %v", err)
	}
	if env.ID != "1" || env.Method() != "session-keepalive" || env.Kind() != KindRequest {
		t.Fatalf("First document mismatch: id %s, method %s, kind %v", env.ID, env.Method(), env.Kind())
	}
	env = Envelope{}
	if err := reader.Read(&env); err != nil {
		t.Fatalf("Failed to read second document: %v", err)
	}
	if env.ID != "2" || env.Method() != "session-delete" || env.Kind() != KindResult {
		t.Fatalf("Second document mismatch: id %s, method %s, kind %v", env.ID, env.Method(), env.Kind())
	}
	if err := reader.Read(&env); err != io.EOF {
		t.Fatalf("Trailing pings not consumed: %v", err)
	}
}

// Tests that the line writer and reader interoperate, pings included.
func TestLineWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewLineWriter(&buf)

	if err := writer.Ping(); err != nil {
		t.Fatalf("Failed to ping: %v", err)
	}
	want := &Envelope{ID: "x", SessionCreateResult: &SessionCreateResult{ServerAgent: "finder/1.0"}}
	if err := writer.Write(want); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}
	var have Envelope
	if err := NewLineReader(&buf).Read(&have); err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	if have.SessionCreateResult == nil || have.SessionCreateResult.ServerAgent != "finder/1.0" {
		t.Fatalf("Document mismatch: have %+v", have)
	}
}

// Tests that framed documents survive a stream and oversized frames are refused.
func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)

	sent := &Envelope{ID: "a", PeerIdentify: &PeerIdentify{
		Versions: []uint{1, 2},
		Location: identity.LocationInfo{ID: "loc", PeerURI: "peer://example.com/abc"},
		Expires:  time.Unix(1600000000, 0),
	}}
	if err := writer.Write(sent); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	var recv Envelope
	if err := NewFrameReader(&buf).Read(&recv); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if recv.PeerIdentify == nil || recv.PeerIdentify.Location.ID != "loc" || !recv.PeerIdentify.Expires.Equal(sent.PeerIdentify.Expires) {
		t.Fatalf("Frame mismatch: have %+v", recv.PeerIdentify)
	}
	if recv.Method() != "peer-identify" {
		t.Fatalf("Method mismatch: have %s, want peer-identify", recv.Method())
	}
	// Forge a huge length prefix
	if _, err := NewFrameReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})).ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Oversized frame error mismatch: have %v, want %v", err, ErrFrameTooLarge)
	}
}

// Tests that signing bytes ignore the signature and change with the content.
func TestSessionCreateSigningBytes(t *testing.T) {
	create := &SessionCreate{Domain: "example.com", FinderID: "f1"}
	unsigned := create.SigningBytes()

	create.Signature = []byte{1, 2, 3}
	if !bytes.Equal(unsigned, create.SigningBytes()) {
		t.Fatalf("Signature leaked into signing bytes")
	}
	create.FinderID = "f2"
	if bytes.Equal(unsigned, create.SigningBytes()) {
		t.Fatalf("Signing bytes insensitive to content")
	}
}

// Tests protocol version negotiation.
func TestNegotiateVersion(t *testing.T) {
	if v, err := NegotiateVersion([]uint{1, 2, 3}, []uint{2, 3, 4}); err != nil || v != 3 {
		t.Fatalf("Negotiation mismatch: have %d/%v, want 3", v, err)
	}
	if _, err := NegotiateVersion([]uint{1}, []uint{2}); err == nil {
		t.Fatalf("Disjoint versions negotiated")
	}
}
