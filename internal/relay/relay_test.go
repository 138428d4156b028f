package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/store"
)

// newTestRelay spins a relay over a memory store.
func newTestRelay(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemoryBackend(0), zerolog.Nop())
	server := httptest.NewServer(New(st, zerolog.Nop()).Router())
	t.Cleanup(server.Close)
	return server, st
}

// dial connects a websocket client to a room.
func dial(t *testing.T, server *httptest.Server, roomID, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + roomID + "?peer=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one frame with a deadline.
func readMessage(t *testing.T, conn *websocket.Conn) signal.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := signal.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// TestSocketFanOut verifies frames reach other sockets but not the origin.
func TestSocketFanOut(t *testing.T) {
	server, st := newTestRelay(t)
	alice := dial(t, server, "lobby", "alice")
	bob := dial(t, server, "lobby", "bob")

	sent := signal.New(signal.KindOffer, "lobby", "alice")
	data, err := sent.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readMessage(t, bob)
	if got.SequenceID != sent.SequenceID || got.Kind != signal.KindOffer {
		t.Fatalf("unexpected frame: %+v", got)
	}

	// The message is also retained for polling clients.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(st.Read("lobby")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the message in the store")
}

// TestHTTPPublishAndRead verifies the REST path round-trips messages.
func TestHTTPPublishAndRead(t *testing.T) {
	server, _ := newTestRelay(t)
	sent := signal.New(signal.KindOffer, "lobby", "alice")
	data, _ := sent.Encode()

	resp, err := http.Post(server.URL+"/api/rooms/lobby/messages", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(server.URL + "/api/rooms/lobby/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	var messages []signal.Message
	if err := json.NewDecoder(getResp.Body).Decode(&messages); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(messages) != 1 || messages[0].SequenceID != sent.SequenceID {
		t.Fatalf("unexpected log: %+v", messages)
	}
}

// TestHTTPPublish_RequiresSequenceID verifies messages without a dedup
// token are rejected.
func TestHTTPPublish_RequiresSequenceID(t *testing.T) {
	server, _ := newTestRelay(t)
	resp, err := http.Post(server.URL+"/api/rooms/lobby/messages", "application/json",
		strings.NewReader(`{"kind":"offer","roomId":"lobby","senderId":"alice"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// TestDualPathDedup verifies the same sequence arriving over the socket
// and the REST path is accepted once.
func TestDualPathDedup(t *testing.T) {
	server, st := newTestRelay(t)
	alice := dial(t, server, "lobby", "alice")
	bob := dial(t, server, "lobby", "bob")

	sent := signal.New(signal.KindOffer, "lobby", "alice")
	data, _ := sent.Encode()
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.Post(server.URL+"/api/rooms/lobby/messages", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	got := readMessage(t, bob)
	if got.SequenceID != sent.SequenceID {
		t.Fatalf("unexpected frame: %+v", got)
	}
	// Bob must not see the duplicate.
	bob.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatalf("expected no second delivery")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(st.Read("lobby")) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(st.Read("lobby")); n != 1 {
		t.Fatalf("expected one retained copy, got %d", n)
	}
}

// TestUsageEndpoint verifies usage reporting over HTTP.
func TestUsageEndpoint(t *testing.T) {
	server, st := newTestRelay(t)
	st.Append("lobby", signal.New(signal.KindOffer, "lobby", "alice"))

	resp, err := http.Get(server.URL + "/api/usage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var usage store.Usage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if usage.Used <= 0 || usage.Total <= 0 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}
