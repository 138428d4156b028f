package store

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

const (
	// MaxRetained is the default per-room log cap.
	MaxRetained = 50
	// assumedCapacity is the capacity Usage reports against when the
	// backend cannot say: the 5 MB browsers commonly grant local storage.
	assumedCapacity = 5 * 1024 * 1024

	keyPrefix = "room_"
)

// Usage summarizes approximate backend consumption. It feeds operator
// warnings only; the store never enforces it.
type Usage struct {
	Used       int     `json:"used"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Store is a quota-aware, size-bounded signaling log per room. Writes go
// to the backend when possible and always to an in-memory mirror, so a
// failing backend degrades durability, never availability. One mutex
// serializes all rooms: the eviction ladder touches other rooms' logs and
// must not race their appends.
type Store struct {
	mu          sync.Mutex
	backend     Backend
	maxRetained int
	mirror      map[string][]signal.Message
	log         zerolog.Logger
}

// Option adjusts store construction.
type Option func(*Store)

// WithMaxRetained overrides the per-room log cap.
func WithMaxRetained(n int) Option {
	return func(s *Store) { s.maxRetained = n }
}

// New creates a store over the given backend.
func New(backend Backend, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		maxRetained: MaxRetained,
		mirror:      make(map[string][]signal.Message),
		log:         logger.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a message to the room's log, trimming to the retention cap.
// Backend quota errors trigger the eviction ladder: drop the oldest half
// of other rooms, retry, then drop this room's own history and retry with
// only the new message. A write that still fails is logged and the message
// survives only in the mirror. Append never fails the caller.
func (s *Store) Append(roomID string, msg signal.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := append(s.loadLocked(roomID), msg)
	messages = trim(messages, s.maxRetained)
	s.mirror[roomID] = messages

	if err := s.persistLocked(roomID, messages); err == nil {
		return nil
	} else if !errors.Is(err, ErrQuotaExceeded) {
		s.log.Warn().Err(err).Str("room", roomID).Msg("backend write failed, keeping message in memory only")
		return nil
	}

	s.log.Warn().Str("room", roomID).Msg("backend quota exceeded, evicting old rooms")
	s.evictOldRoomsLocked(roomID)
	if err := s.persistLocked(roomID, messages); err == nil {
		return nil
	}

	s.log.Warn().Str("room", roomID).Msg("still over quota, clearing current room log")
	_ = s.backend.Delete(keyPrefix + roomID)
	messages = []signal.Message{msg}
	s.mirror[roomID] = messages
	if err := s.persistLocked(roomID, messages); err != nil {
		s.log.Warn().Err(err).Str("room", roomID).Msg("backend write failed after eviction, continuing without durability")
	}
	return nil
}

// Read returns the retained log for a room, empty when unknown. The
// backend is preferred so that file- or redis-shared deployments observe
// appends from other processes; the mirror covers backend loss.
func (s *Store) Read(roomID string) []signal.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(roomID)
}

// Clear drops a room's log.
func (s *Store) Clear(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mirror, roomID)
	if err := s.backend.Delete(keyPrefix + roomID); err != nil {
		s.log.Warn().Err(err).Str("room", roomID).Msg("backend delete failed")
	}
}

// ClearAll drops every room's log.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = make(map[string][]signal.Message)
	keys, err := s.backend.Keys()
	if err != nil {
		s.log.Warn().Err(err).Msg("backend key listing failed")
		return
	}
	for _, key := range keys {
		if strings.HasPrefix(key, keyPrefix) {
			_ = s.backend.Delete(key)
		}
	}
}

// Rooms lists room IDs with a retained log.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	if keys, err := s.backend.Keys(); err == nil {
		for _, key := range keys {
			if strings.HasPrefix(key, keyPrefix) {
				seen[strings.TrimPrefix(key, keyPrefix)] = struct{}{}
			}
		}
	}
	for roomID := range s.mirror {
		seen[roomID] = struct{}{}
	}
	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Usage reports approximate consumption against the assumed capacity.
func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := 0
	keys, err := s.backend.Keys()
	if err != nil {
		return Usage{}
	}
	for _, key := range keys {
		value, ok, err := s.backend.Get(key)
		if err != nil || !ok {
			continue
		}
		used += len(key) + len(value)
	}
	return Usage{
		Used:       used,
		Total:      assumedCapacity,
		Percentage: float64(used) / float64(assumedCapacity) * 100,
	}
}

// loadLocked reads a room log from the backend, falling back to the mirror.
func (s *Store) loadLocked(roomID string) []signal.Message {
	data, ok, err := s.backend.Get(keyPrefix + roomID)
	if err != nil || !ok {
		return append([]signal.Message(nil), s.mirror[roomID]...)
	}
	var messages []signal.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		s.log.Warn().Err(err).Str("room", roomID).Msg("corrupt room log, using memory mirror")
		return append([]signal.Message(nil), s.mirror[roomID]...)
	}
	return messages
}

// persistLocked writes a room log to the backend.
func (s *Store) persistLocked(roomID string, messages []signal.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return s.backend.Set(keyPrefix+roomID, data)
}

// evictOldRoomsLocked removes the oldest half of other rooms' logs, at
// least two, ordered by their most recent message timestamp.
func (s *Store) evictOldRoomsLocked(keepRoomID string) {
	keys, err := s.backend.Keys()
	if err != nil {
		return
	}
	type roomAge struct {
		key    string
		latest int64
	}
	var rooms []roomAge
	for _, key := range keys {
		if !strings.HasPrefix(key, keyPrefix) || key == keyPrefix+keepRoomID {
			continue
		}
		latest := int64(0)
		if data, ok, err := s.backend.Get(key); err == nil && ok {
			var messages []signal.Message
			if json.Unmarshal(data, &messages) == nil {
				for _, m := range messages {
					if m.EmittedAt > latest {
						latest = m.EmittedAt
					}
				}
			}
		}
		rooms = append(rooms, roomAge{key: key, latest: latest})
	}
	if len(rooms) == 0 {
		return
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].latest < rooms[j].latest })
	toRemove := len(rooms) / 2
	if toRemove < 2 {
		toRemove = 2
	}
	if toRemove > len(rooms) {
		toRemove = len(rooms)
	}
	for _, r := range rooms[:toRemove] {
		s.log.Info().Str("key", r.key).Msg("evicting old room log")
		_ = s.backend.Delete(r.key)
		delete(s.mirror, strings.TrimPrefix(r.key, keyPrefix))
	}
}

// trim caps the log, evicting presence messages before signaling ones and
// oldest-first within each class.
func trim(messages []signal.Message, max int) []signal.Message {
	if len(messages) <= max {
		return messages
	}
	excess := len(messages) - max
	kept := make([]signal.Message, 0, max)

	// First pass drops the oldest join/leave entries.
	for _, m := range messages {
		if excess > 0 && !m.Kind.Signaling() {
			excess--
			continue
		}
		kept = append(kept, m)
	}
	// Still over the cap means everything left is signaling; drop oldest.
	if excess > 0 {
		kept = kept[excess:]
	}
	return kept
}
