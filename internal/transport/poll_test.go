package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/store"
)

// TestPoll_Delivery verifies store polling delivers another member's
// messages exactly once despite repeated poll cycles.
func TestPoll_Delivery(t *testing.T) {
	st := store.New(store.NewMemoryBackend(0), zerolog.Nop())
	alice := NewPoll(st, 10*time.Millisecond, zerolog.Nop())
	bob := NewPoll(st, 10*time.Millisecond, zerolog.Nop())
	defer alice.Close()
	defer bob.Close()

	var aliceRec, bobRec recorder
	alice.Subscribe(aliceRec.handler())
	bob.Subscribe(bobRec.handler())
	if err := alice.Join("lobby", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := bob.Join("lobby", "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := alice.Publish(signal.New(signal.KindOffer, "lobby", "alice")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "bob to receive the offer", func() bool {
		return bobRec.count(signal.KindOffer) == 1
	})

	// Several more poll cycles must not re-deliver the same log suffix.
	time.Sleep(50 * time.Millisecond)
	if n := bobRec.count(signal.KindOffer); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
	if aliceRec.count(signal.KindOffer) != 0 {
		t.Fatalf("expected alice to not receive her own offer")
	}
}

// TestPoll_JoinObservable verifies the join announcement lands in the
// store for other pollers.
func TestPoll_JoinObservable(t *testing.T) {
	st := store.New(store.NewMemoryBackend(0), zerolog.Nop())
	alice := NewPoll(st, 10*time.Millisecond, zerolog.Nop())
	bob := NewPoll(st, 10*time.Millisecond, zerolog.Nop())
	defer alice.Close()
	defer bob.Close()

	var bobRec recorder
	bob.Subscribe(bobRec.handler())
	bob.Join("lobby", "bob")
	alice.Join("lobby", "alice")

	waitFor(t, "bob to observe alice's join", func() bool {
		return bobRec.count(signal.KindJoin) == 1
	})
}

// TestPoll_LeaveStops verifies polling stops after Leave.
func TestPoll_LeaveStops(t *testing.T) {
	st := store.New(store.NewMemoryBackend(0), zerolog.Nop())
	alice := NewPoll(st, 10*time.Millisecond, zerolog.Nop())
	bob := NewPoll(st, 10*time.Millisecond, zerolog.Nop())
	defer alice.Close()
	defer bob.Close()

	var bobRec recorder
	bob.Subscribe(bobRec.handler())
	alice.Join("lobby", "alice")
	bob.Join("lobby", "bob")
	if err := bob.Leave("lobby", "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	alice.Publish(signal.New(signal.KindOffer, "lobby", "alice"))
	time.Sleep(50 * time.Millisecond)
	if bobRec.count(signal.KindOffer) != 0 {
		t.Fatalf("expected no delivery after leave, got %+v", bobRec.messages())
	}
}
