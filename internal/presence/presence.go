// Package presence tracks room membership derived from join and leave
// signaling messages.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

// Tracker maintains the participant set per room. It has no authority over
// whether a join is legitimate; it only folds observed events.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	log   zerolog.Logger
}

// New creates an empty tracker.
func New(logger zerolog.Logger) *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]struct{}),
		log:   logger.With().Str("component", "presence").Logger(),
	}
}

// Apply folds a join or leave message into the tracker. Other kinds are
// ignored. It reports whether membership actually changed, so callers can
// debounce on real changes only.
func (t *Tracker) Apply(msg signal.Message) bool {
	switch msg.Kind {
	case signal.KindJoin:
		return t.join(msg.RoomID, msg.SenderID)
	case signal.KindLeave:
		return t.leave(msg.RoomID, msg.SenderID)
	default:
		return false
	}
}

// Members returns the sorted participant list for a room.
func (t *Tracker) Members(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomID]
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// join adds a participant, idempotently.
func (t *Tracker) join(roomID, participantID string) bool {
	if roomID == "" || participantID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		t.rooms[roomID] = room
	}
	if _, present := room[participantID]; present {
		return false
	}
	room[participantID] = struct{}{}
	t.log.Info().Str("room", roomID).Str("participant", participantID).Int("count", len(room)).Msg("participant joined")
	return true
}

// leave removes a participant; leaving a room it is not in is a no-op.
func (t *Tracker) leave(roomID, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	if _, present := room[participantID]; !present {
		return false
	}
	delete(room, participantID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	t.log.Info().Str("room", roomID).Str("participant", participantID).Int("count", len(room)).Msg("participant left")
	return true
}
