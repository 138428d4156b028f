// Package relay is the standalone signaling server: a websocket hub that
// fans room messages out to connected peers, plus HTTP endpoints for
// poll-based clients. All accepted messages land in the shared store so
// the two access paths observe the same log.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64

	// seenWindow bounds per-room dedup state. Clients may publish the
	// same sequence over both the socket and the HTTP path.
	seenWindow = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the websocket hub and the polling API over one store.
type Server struct {
	store *store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// room tracks connected sockets and the dedup window for one room.
type room struct {
	clients  map[*client]struct{}
	seen     map[string]struct{}
	seenList []string
}

// client is one websocket connection. Outbound frames go through send so
// a single writer goroutine owns the connection.
type client struct {
	peerID string
	conn   *websocket.Conn
	send   chan []byte
}

// New creates a relay server over the given store.
func New(st *store.Store, logger zerolog.Logger) *Server {
	return &Server{
		store: st,
		log:   logger.With().Str("component", "relay").Logger(),
		rooms: make(map[string]*room),
	}
}

// Router returns the HTTP handler for the relay.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/{room}", s.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms/{room}/messages", s.handleRead)
		r.Post("/rooms/{room}/messages", s.handlePublish)
		r.Get("/usage", s.handleUsage)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSocket upgrades the connection and attaches it to the room hub.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	peerID := r.URL.Query().Get("peer")
	if roomID == "" || peerID == "" {
		http.Error(w, "room and peer are required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{peerID: peerID, conn: conn, send: make(chan []byte, sendBuffer)}
	s.attach(roomID, c)
	s.log.Info().Str("room", roomID).Str("peer", peerID).Msg("peer connected")

	go s.writePump(c)
	s.readPump(roomID, c)
}

// readPump consumes frames until the connection drops. Runs on the
// handler goroutine.
func (s *Server) readPump(roomID string, c *client) {
	defer func() {
		s.detach(roomID, c)
		_ = c.conn.Close()
		s.log.Info().Str("room", roomID).Str("peer", c.peerID).Msg("peer disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := signal.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Str("room", roomID).Msg("dropping undecodable frame")
			continue
		}
		s.accept(roomID, msg, c)
	}
}

// writePump is the single writer for one connection.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// accept deduplicates, persists, and fans a message out to every room
// member except its origin connection. from is nil for HTTP publishes.
func (s *Server) accept(roomID string, msg signal.Message, from *client) {
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	s.mu.Lock()
	rm := s.roomLocked(roomID)
	if _, dup := rm.seen[msg.SequenceID]; dup {
		s.mu.Unlock()
		return
	}
	rm.seen[msg.SequenceID] = struct{}{}
	rm.seenList = append(rm.seenList, msg.SequenceID)
	if len(rm.seenList) > seenWindow {
		delete(rm.seen, rm.seenList[0])
		rm.seenList = rm.seenList[1:]
	}
	targets := make([]*client, 0, len(rm.clients))
	for c := range rm.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	_ = s.store.Append(roomID, msg)

	data, err := msg.Encode()
	if err != nil {
		s.log.Warn().Err(err).Msg("encode failed")
		return
	}
	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			s.log.Warn().Str("room", roomID).Str("peer", c.peerID).Msg("send buffer full, dropping frame")
		}
	}
}

// handleRead returns the retained log for a room.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	writeJSON(w, s.store.Read(roomID))
}

// handlePublish accepts one message from a polling client.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	var msg signal.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	if msg.SequenceID == "" {
		http.Error(w, "sequence id is required", http.StatusBadRequest)
		return
	}
	s.accept(roomID, msg, nil)
	w.WriteHeader(http.StatusAccepted)
}

// handleUsage reports approximate store consumption.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Usage())
}

func (s *Server) attach(roomID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomLocked(roomID).clients[c] = struct{}{}
}

func (s *Server) detach(roomID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return
	}
	if _, attached := rm.clients[c]; !attached {
		return
	}
	delete(rm.clients, c)
	close(c.send)
	if len(rm.clients) == 0 {
		delete(s.rooms, roomID)
	}
}

// roomLocked returns the room, creating it if needed. Caller holds mu.
func (s *Server) roomLocked(roomID string) *room {
	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{
			clients: make(map[*client]struct{}),
			seen:    make(map[string]struct{}),
		}
		s.rooms[roomID] = rm
	}
	return rm
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}
