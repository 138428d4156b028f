package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
)

// TestNewSequenceID_Shape verifies the token layout.
func TestNewSequenceID_Shape(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	id := NewSequenceID(at)
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 {
		t.Fatalf("expected ms_suffix shape, got %q", id)
	}
	if parts[0] != "1700000000000" {
		t.Fatalf("expected millisecond prefix, got %q", parts[0])
	}
	if len(parts[1]) != 8 {
		t.Fatalf("expected 8-char suffix, got %q", parts[1])
	}
}

// TestNewSequenceID_Unique verifies tokens differ even at one instant.
func TestNewSequenceID_Unique(t *testing.T) {
	at := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewSequenceID(at)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate sequence id %q", id)
		}
		seen[id] = struct{}{}
	}
}

// TestNew_PopulatesIdentity verifies New fills room, sender, and token.
func TestNew_PopulatesIdentity(t *testing.T) {
	msg := New(KindJoin, "lobby", "alice")
	if msg.Kind != KindJoin || msg.RoomID != "lobby" || msg.SenderID != "alice" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.SequenceID == "" {
		t.Fatalf("expected sequence id")
	}
	if msg.EmittedAt == 0 {
		t.Fatalf("expected emitted timestamp")
	}
}

// TestEncodeDecode verifies the wire round trip preserves every field.
func TestEncodeDecode(t *testing.T) {
	msg := New(KindICECandidate, "lobby", "alice")
	msg.Target = "bob"
	candidate := "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"
	msg.Candidate = &webrtc.ICECandidateInit{Candidate: candidate}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != msg.Kind || got.RoomID != msg.RoomID || got.SenderID != msg.SenderID {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.Target != "bob" {
		t.Fatalf("target lost: %+v", got)
	}
	if got.SequenceID != msg.SequenceID || got.EmittedAt != msg.EmittedAt {
		t.Fatalf("dedup fields lost: %+v", got)
	}
	if got.Candidate == nil || got.Candidate.Candidate != candidate {
		t.Fatalf("candidate lost: %+v", got.Candidate)
	}
}

// TestDecode_Invalid verifies malformed payloads error out.
func TestDecode_Invalid(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

// TestKindSignaling verifies presence kinds are not signaling payload.
func TestKindSignaling(t *testing.T) {
	if !KindOffer.Signaling() || !KindAnswer.Signaling() || !KindICECandidate.Signaling() {
		t.Fatalf("expected negotiation kinds to be signaling")
	}
	if KindJoin.Signaling() || KindLeave.Signaling() {
		t.Fatalf("expected presence kinds to not be signaling")
	}
}
