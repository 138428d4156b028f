package transport

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/store"
)

// TestHTTPPoll_Delivery verifies relay polling carries messages between
// two clients.
func TestHTTPPoll_Delivery(t *testing.T) {
	_, wsURL := startRelay(t)
	serverURL := "http" + strings.TrimPrefix(wsURL, "ws")
	alice := NewHTTPPoll(serverURL, nil, 10*time.Millisecond, zerolog.Nop())
	bob := NewHTTPPoll(serverURL, nil, 10*time.Millisecond, zerolog.Nop())
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
	waitFor(t, "alice to observe bob's join", func() bool {
		return aliceRec.count(signal.KindJoin) == 1
	})

	if err := alice.Publish(signal.New(signal.KindOffer, "lobby", "alice")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "bob to receive the offer", func() bool {
		return bobRec.count(signal.KindOffer) == 1
	})
	// Repeated polls of the same log must not re-deliver.
	time.Sleep(50 * time.Millisecond)
	if n := bobRec.count(signal.KindOffer); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
}

// TestHTTPPoll_DegradesToLocalStore verifies that with an unreachable
// relay, publishes land in the local store and polls read from it.
func TestHTTPPoll_DegradesToLocalStore(t *testing.T) {
	st := store.New(store.NewMemoryBackend(0), zerolog.Nop())
	// Nothing listens on this port.
	alice := NewHTTPPoll("http://127.0.0.1:1", st, 10*time.Millisecond, zerolog.Nop())
	bob := NewHTTPPoll("http://127.0.0.1:1", st, 10*time.Millisecond, zerolog.Nop())
	defer alice.Close()
	defer bob.Close()

	var bobRec recorder
	alice.Subscribe(func(signal.Message) {})
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
	waitFor(t, "offer to arrive through the degraded path", func() bool {
		return bobRec.count(signal.KindOffer) == 1
	})
}
