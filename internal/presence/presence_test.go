package presence

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

// TestApply_JoinLeave verifies basic membership folding.
func TestApply_JoinLeave(t *testing.T) {
	tr := New(zerolog.Nop())
	if !tr.Apply(signal.Message{Kind: signal.KindJoin, RoomID: "lobby", SenderID: "alice"}) {
		t.Fatalf("expected join to change membership")
	}
	if !tr.Apply(signal.Message{Kind: signal.KindJoin, RoomID: "lobby", SenderID: "bob"}) {
		t.Fatalf("expected join to change membership")
	}
	members := tr.Members("lobby")
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("unexpected members: %v", members)
	}
	if !tr.Apply(signal.Message{Kind: signal.KindLeave, RoomID: "lobby", SenderID: "alice"}) {
		t.Fatalf("expected leave to change membership")
	}
	members = tr.Members("lobby")
	if len(members) != 1 || members[0] != "bob" {
		t.Fatalf("unexpected members after leave: %v", members)
	}
}

// TestApply_Idempotent verifies duplicate joins and leaves report no change.
func TestApply_Idempotent(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.Apply(signal.Message{Kind: signal.KindJoin, RoomID: "lobby", SenderID: "alice"})
	if tr.Apply(signal.Message{Kind: signal.KindJoin, RoomID: "lobby", SenderID: "alice"}) {
		t.Fatalf("expected duplicate join to be a no-op")
	}
	tr.Apply(signal.Message{Kind: signal.KindLeave, RoomID: "lobby", SenderID: "alice"})
	if tr.Apply(signal.Message{Kind: signal.KindLeave, RoomID: "lobby", SenderID: "alice"}) {
		t.Fatalf("expected duplicate leave to be a no-op")
	}
}

// TestApply_IgnoresSignaling verifies negotiation kinds never change
// membership.
func TestApply_IgnoresSignaling(t *testing.T) {
	tr := New(zerolog.Nop())
	if tr.Apply(signal.Message{Kind: signal.KindOffer, RoomID: "lobby", SenderID: "alice"}) {
		t.Fatalf("expected offer to be ignored")
	}
	if len(tr.Members("lobby")) != 0 {
		t.Fatalf("expected no members")
	}
}

// TestMembers_Sorted verifies lexicographic member order.
func TestMembers_Sorted(t *testing.T) {
	tr := New(zerolog.Nop())
	for _, id := range []string{"zed", "alice", "mike"} {
		tr.Apply(signal.Message{Kind: signal.KindJoin, RoomID: "lobby", SenderID: id})
	}
	members := tr.Members("lobby")
	if members[0] != "alice" || members[1] != "mike" || members[2] != "zed" {
		t.Fatalf("unexpected order: %v", members)
	}
}

// TestLeave_PrunesEmptyRoom verifies empty rooms are forgotten.
func TestLeave_PrunesEmptyRoom(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.Apply(signal.Message{Kind: signal.KindJoin, RoomID: "lobby", SenderID: "alice"})
	tr.Apply(signal.Message{Kind: signal.KindLeave, RoomID: "lobby", SenderID: "alice"})
	if len(tr.Members("lobby")) != 0 {
		t.Fatalf("expected empty room")
	}
	// A stale leave for the pruned room changes nothing.
	if tr.Apply(signal.Message{Kind: signal.KindLeave, RoomID: "lobby", SenderID: "alice"}) {
		t.Fatalf("expected leave on pruned room to be a no-op")
	}
}
