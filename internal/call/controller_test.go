package call

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/media"
	"github.com/peerwave/peerwave/internal/testutil"
	"github.com/peerwave/peerwave/internal/transport"
)

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestConfig builds a working controller config on a broadcast hub.
func newTestConfig(hub *transport.Hub, participant string) (Config, func() []*testutil.FakeEngine) {
	factory, created := testutil.FakeFactory()
	return Config{
		RoomID:        "lobby",
		ParticipantID: participant,
		Transport:     transport.NewBroadcast(hub, zerolog.Nop()),
		Media: func(audioOn, videoOn bool) (media.Factory, error) {
			return factory, nil
		},
		ShareBaseURL: "http://example.test",
		AudioOn:      true,
		VideoOn:      true,
		Debounce:     20 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}, created
}

// TestNew_Validation verifies required config fields.
func TestNew_Validation(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")

	missing := cfg
	missing.RoomID = ""
	if _, err := New(missing); err == nil {
		t.Fatalf("expected error for missing room")
	}
	missing = cfg
	missing.ParticipantID = ""
	if _, err := New(missing); err == nil {
		t.Fatalf("expected error for missing participant")
	}
	missing = cfg
	missing.Media = nil
	if _, err := New(missing); err == nil {
		t.Fatalf("expected error for missing media setup")
	}
}

// TestJoin_Snapshot verifies join moves the call out of idle.
func TestJoin_Snapshot(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Snapshot().Status != StatusIdle {
		t.Fatalf("expected idle before join")
	}
	if err := c.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.EndCall()

	snap := c.Snapshot()
	if snap.Status != StatusJoining {
		t.Fatalf("expected joining, got %s", snap.Status)
	}
	if len(snap.Participants) != 1 || snap.Participants[0] != "alice" {
		t.Fatalf("expected only the local participant, got %v", snap.Participants)
	}
	if err := c.Join(); err == nil {
		t.Fatalf("expected second join to fail")
	}
}

// TestJoin_MediaDeniedFatal verifies a media failure without fallback
// fails the call with guidance.
func TestJoin_MediaDeniedFatal(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")
	cfg.Media = func(audioOn, videoOn bool) (media.Factory, error) {
		return nil, errors.New("permission denied")
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Join(); err == nil {
		t.Fatalf("expected join to fail")
	}
	snap := c.Snapshot()
	if snap.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", snap.Status)
	}
	if snap.LastError == "" {
		t.Fatalf("expected user-facing guidance in last error")
	}
}

// TestJoin_MediaDeniedReceiveOnly verifies the receive-only fallback keeps
// the call alive when acquisition fails.
func TestJoin_MediaDeniedReceiveOnly(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")
	receiveOnly, err := cfg.Media(false, false)
	if err != nil {
		t.Fatalf("receive-only factory: %v", err)
	}
	cfg.ReceiveOnly = receiveOnly
	cfg.Media = func(audioOn, videoOn bool) (media.Factory, error) {
		return nil, errors.New("permission denied")
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("expected receive-only join to succeed, got %v", err)
	}
	defer c.EndCall()
	snap := c.Snapshot()
	if snap.Status != StatusJoining {
		t.Fatalf("expected joining, got %s", snap.Status)
	}
	if snap.LastError == "" {
		t.Fatalf("expected the degradation to be surfaced")
	}
}

// TestToggles verifies mute and video flags reach active media engines.
func TestToggles(t *testing.T) {
	hub := transport.NewHub()
	aliceCfg, aliceCreated := newTestConfig(hub, "alice")
	bobCfg, _ := newTestConfig(hub, "bob")

	alice, err := New(aliceCfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	bob, err := New(bobCfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := alice.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := bob.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer alice.EndCall()
	defer bob.EndCall()

	// Alice is the initiator; wait for her engine toward bob to exist.
	waitFor(t, "alice's engine to be created", func() bool {
		return len(aliceCreated()) >= 1
	})

	alice.ToggleMute()
	snap := alice.Snapshot()
	if !snap.Muted {
		t.Fatalf("expected muted snapshot")
	}
	waitFor(t, "mute to reach the engine", func() bool {
		return !aliceCreated()[0].AudioOn()
	})

	alice.ToggleVideo()
	if !alice.Snapshot().VideoOff {
		t.Fatalf("expected video off snapshot")
	}
	waitFor(t, "video off to reach the engine", func() bool {
		return !aliceCreated()[0].VideoOn()
	})

	alice.ToggleMute()
	if alice.Snapshot().Muted {
		t.Fatalf("expected unmuted snapshot")
	}
}

// TestShareLink verifies the room link shape.
func TestShareLink(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.ShareLink(); got != "http://example.test/room/lobby" {
		t.Fatalf("unexpected link: %s", got)
	}
}

// TestEndCall verifies teardown reaches the ended status.
func TestEndCall(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.EndCall()
	if got := c.Snapshot().Status; got != StatusEnded {
		t.Fatalf("expected ended, got %s", got)
	}
}

// TestResetNegotiation verifies reset clears the error and re-arms the
// session.
func TestResetNegotiation(t *testing.T) {
	hub := transport.NewHub()
	cfg, _ := newTestConfig(hub, "alice")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.EndCall()

	c.ResetNegotiation()
	snap := c.Snapshot()
	if snap.Status != StatusJoining {
		t.Fatalf("expected joining after reset, got %s", snap.Status)
	}
	if snap.LastError != "" {
		t.Fatalf("expected error cleared, got %q", snap.LastError)
	}
}
