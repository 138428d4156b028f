package transport

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

// Hub fans messages out between Broadcast transports living in the same
// process. It does not cross device boundaries; it exists for local
// multi-session use and tests.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Broadcast]struct{}
}

// NewHub creates an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Broadcast]struct{})}
}

// attach registers a transport with a room.
func (h *Hub) attach(roomID string, b *Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[*Broadcast]struct{})
		h.rooms[roomID] = room
	}
	room[b] = struct{}{}
}

// detach removes a transport from a room, pruning empty rooms.
func (h *Hub) detach(roomID string, b *Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, b)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// fanout delivers a message to every transport in the room except the
// sender. Delivery is sequential with per-destination isolation.
func (h *Hub) fanout(from *Broadcast, msg signal.Message) {
	h.mu.Lock()
	targets := make([]*Broadcast, 0, len(h.rooms[msg.RoomID]))
	for b := range h.rooms[msg.RoomID] {
		if b != from {
			targets = append(targets, b)
		}
	}
	h.mu.Unlock()
	for _, b := range targets {
		b.deliver(msg)
	}
}

// Broadcast is the in-process delivery strategy: near-zero latency fan-out
// through a shared Hub.
type Broadcast struct {
	deliverer
	hub    *Hub
	mu     sync.Mutex
	roomID string
	closed bool
	log    zerolog.Logger
}

// NewBroadcast creates a broadcast transport on the hub.
func NewBroadcast(hub *Hub, logger zerolog.Logger) *Broadcast {
	return &Broadcast{
		hub: hub,
		log: logger.With().Str("component", "transport").Str("backend", "broadcast").Logger(),
	}
}

// Subscribe installs the inbound handler.
func (b *Broadcast) Subscribe(h Handler) { b.subscribe(h) }

// Join attaches to the room and announces presence.
func (b *Broadcast) Join(roomID, participantID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.roomID = roomID
	b.mu.Unlock()

	b.setSelf(participantID)
	b.hub.attach(roomID, b)
	return b.Publish(signal.New(signal.KindJoin, roomID, participantID))
}

// Leave announces departure and detaches from the room.
func (b *Broadcast) Leave(roomID, participantID string) error {
	err := b.Publish(signal.New(signal.KindLeave, roomID, participantID))
	b.hub.detach(roomID, b)
	return err
}

// Publish fans the message out through the hub.
func (b *Broadcast) Publish(msg signal.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()
	b.hub.fanout(b, msg)
	return nil
}

// Close detaches from the hub.
func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.roomID != "" {
		b.hub.detach(b.roomID, b)
	}
	return nil
}
