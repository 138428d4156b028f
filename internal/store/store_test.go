package store

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

// msgAt builds a message with a fixed timestamp for ordering tests.
func msgAt(kind signal.Kind, room, sender string, at int64) signal.Message {
	m := signal.New(kind, room, sender)
	m.EmittedAt = at
	return m
}

// TestAppendRead verifies messages round-trip through the store.
func TestAppendRead(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop())
	first := signal.New(signal.KindJoin, "lobby", "alice")
	second := signal.New(signal.KindOffer, "lobby", "alice")
	if err := s.Append("lobby", first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("lobby", second); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := s.Read("lobby")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].SequenceID != first.SequenceID || got[1].SequenceID != second.SequenceID {
		t.Fatalf("order lost: %+v", got)
	}
}

// TestRead_UnknownRoom verifies unknown rooms read empty.
func TestRead_UnknownRoom(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop())
	if got := s.Read("nowhere"); len(got) != 0 {
		t.Fatalf("expected empty log, got %d", len(got))
	}
}

// TestTrim_PresenceEvictedFirst verifies join/leave messages are dropped
// before offers and candidates when the log exceeds its cap.
func TestTrim_PresenceEvictedFirst(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop(), WithMaxRetained(3))
	s.Append("lobby", msgAt(signal.KindJoin, "lobby", "alice", 1))
	s.Append("lobby", msgAt(signal.KindOffer, "lobby", "alice", 2))
	s.Append("lobby", msgAt(signal.KindJoin, "lobby", "bob", 3))
	s.Append("lobby", msgAt(signal.KindAnswer, "lobby", "bob", 4))
	s.Append("lobby", msgAt(signal.KindICECandidate, "lobby", "alice", 5))

	got := s.Read("lobby")
	if len(got) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(got))
	}
	for _, m := range got {
		if !m.Kind.Signaling() {
			t.Fatalf("presence message survived trim: %+v", m)
		}
	}
}

// TestTrim_OldestSignalingDropped verifies an all-signaling log drops
// oldest-first.
func TestTrim_OldestSignalingDropped(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop(), WithMaxRetained(2))
	s.Append("lobby", msgAt(signal.KindOffer, "lobby", "alice", 1))
	s.Append("lobby", msgAt(signal.KindAnswer, "lobby", "bob", 2))
	s.Append("lobby", msgAt(signal.KindICECandidate, "lobby", "alice", 3))

	got := s.Read("lobby")
	if len(got) != 2 {
		t.Fatalf("expected 2 retained, got %d", len(got))
	}
	if got[0].EmittedAt != 2 || got[1].EmittedAt != 3 {
		t.Fatalf("expected the two newest, got %+v", got)
	}
}

// TestAppend_QuotaEvictsOtherRooms verifies the first eviction rung: a
// quota failure evicts other rooms' logs and the append then lands.
func TestAppend_QuotaEvictsOtherRooms(t *testing.T) {
	backend := NewMemoryBackend(600)
	s := New(backend, zerolog.Nop())
	s.Append("old-a", msgAt(signal.KindOffer, "old-a", "alice", 1))
	s.Append("old-b", msgAt(signal.KindOffer, "old-b", "bob", 2))

	// Large enough to need the space the old rooms hold.
	big := msgAt(signal.KindOffer, "lobby", "carol", 3)
	big.SDP = &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  strings.Repeat("x", 300),
	}

	if err := s.Append("lobby", big); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := s.Read("lobby")
	if len(got) != 1 || got[0].SequenceID != big.SequenceID {
		t.Fatalf("expected appended message to survive, got %+v", got)
	}
	keys, _ := backend.Keys()
	for _, k := range keys {
		if k == "room_old-a" || k == "room_old-b" {
			t.Fatalf("expected old rooms evicted, found %s", k)
		}
	}
}

// TestAppend_QuotaFallsBackToMemory verifies the ladder bottoms out in
// the mirror: a message too big for the backend still reads back.
func TestAppend_QuotaFallsBackToMemory(t *testing.T) {
	s := New(NewMemoryBackend(10), zerolog.Nop())
	msg := msgAt(signal.KindOffer, "lobby", "alice", 1)
	if err := s.Append("lobby", msg); err != nil {
		t.Fatalf("append must not fail: %v", err)
	}
	got := s.Read("lobby")
	if len(got) != 1 || got[0].SequenceID != msg.SequenceID {
		t.Fatalf("expected mirror to retain the message, got %+v", got)
	}
}

// TestClear verifies Clear drops one room and leaves others alone.
func TestClear(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop())
	s.Append("lobby", msgAt(signal.KindOffer, "lobby", "alice", 1))
	s.Append("den", msgAt(signal.KindOffer, "den", "bob", 2))
	s.Clear("lobby")
	if got := s.Read("lobby"); len(got) != 0 {
		t.Fatalf("expected cleared room to be empty, got %d", len(got))
	}
	if got := s.Read("den"); len(got) != 1 {
		t.Fatalf("expected other room untouched, got %d", len(got))
	}
}

// TestRooms verifies room listing is sorted and deduplicated.
func TestRooms(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop())
	s.Append("zoo", msgAt(signal.KindOffer, "zoo", "alice", 1))
	s.Append("attic", msgAt(signal.KindOffer, "attic", "bob", 2))
	rooms := s.Rooms()
	if len(rooms) != 2 || rooms[0] != "attic" || rooms[1] != "zoo" {
		t.Fatalf("unexpected rooms: %v", rooms)
	}
}

// TestUsage verifies usage accounts stored bytes against the assumed
// capacity.
func TestUsage(t *testing.T) {
	s := New(NewMemoryBackend(0), zerolog.Nop())
	s.Append("lobby", msgAt(signal.KindOffer, "lobby", "alice", 1))
	u := s.Usage()
	if u.Used <= 0 {
		t.Fatalf("expected positive usage, got %+v", u)
	}
	if u.Total != assumedCapacity {
		t.Fatalf("expected assumed capacity total, got %+v", u)
	}
	if u.Percentage <= 0 {
		t.Fatalf("expected positive percentage, got %+v", u)
	}
}

// TestFileBackend verifies the file backend round trip and quota error.
func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.Set("room_lobby", []byte("[]")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := b.Get("room_lobby")
	if err != nil || !ok || string(got) != "[]" {
		t.Fatalf("get: %v %v %q", err, ok, got)
	}
	keys, err := b.Keys()
	if err != nil || len(keys) != 1 || keys[0] != "room_lobby" {
		t.Fatalf("keys: %v %v", err, keys)
	}
	big := make([]byte, 128)
	if err := b.Set("room_big", big); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if err := b.Delete("room_lobby"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := b.Get("room_lobby"); ok {
		t.Fatalf("expected key gone after delete")
	}
}
