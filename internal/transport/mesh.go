package transport

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

// Channel is one direct link to a peer in the mesh. It abstracts a WebRTC
// data channel so the mesh logic stays testable without a network.
type Channel interface {
	// Open reports whether the channel currently accepts sends.
	Open() bool
	// Send transmits one wire frame.
	Send(data []byte) error
	// OnMessage installs the inbound frame callback.
	OnMessage(fn func(data []byte))
	// Close releases the channel.
	Close() error
}

// Mesh is the peer-to-peer delivery strategy: signaling fans out over
// direct channels between participants. Peer discovery is out of scope;
// channels arrive pre-negotiated through AddPeer.
type Mesh struct {
	deliverer
	mu      sync.Mutex
	peers   map[string]Channel
	roomID  string
	localID string
	closed  bool
	log     zerolog.Logger
}

// NewMesh creates an empty mesh transport.
func NewMesh(logger zerolog.Logger) *Mesh {
	return &Mesh{
		peers: make(map[string]Channel),
		log:   logger.With().Str("component", "transport").Str("backend", "mesh").Logger(),
	}
}

// Subscribe installs the inbound handler.
func (m *Mesh) Subscribe(h Handler) { m.subscribe(h) }

// AddPeer wires a pre-negotiated channel into the mesh, replacing any
// previous channel for the peer.
func (m *Mesh) AddPeer(peerID string, ch Channel) {
	ch.OnMessage(func(data []byte) {
		msg, err := signal.Decode(data)
		if err != nil {
			m.log.Warn().Err(err).Str("peer", peerID).Msg("undecodable mesh frame")
			return
		}
		m.deliver(msg)
	})
	m.mu.Lock()
	old := m.peers[peerID]
	m.peers[peerID] = ch
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// RemovePeer drops a peer's channel.
func (m *Mesh) RemovePeer(peerID string) {
	m.mu.Lock()
	ch := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// Join announces presence across every open channel.
func (m *Mesh) Join(roomID, participantID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.roomID = roomID
	m.localID = participantID
	m.mu.Unlock()
	m.setSelf(participantID)
	return m.Publish(signal.New(signal.KindJoin, roomID, participantID))
}

// Leave announces departure across every open channel.
func (m *Mesh) Leave(roomID, participantID string) error {
	return m.Publish(signal.New(signal.KindLeave, roomID, participantID))
}

// Publish encodes once and fans out sequentially; a peer whose channel is
// closed or failing is skipped without affecting the rest.
func (m *Mesh) Publish(msg signal.Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	targets := make(map[string]Channel, len(m.peers))
	for id, ch := range m.peers {
		targets[id] = ch
	}
	m.mu.Unlock()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	for peerID, ch := range targets {
		if !ch.Open() {
			continue
		}
		if err := ch.Send(data); err != nil {
			m.log.Warn().Err(err).Str("peer", peerID).Msg("mesh send failed")
		}
	}
	return nil
}

// Close releases every channel.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]Channel)
	m.mu.Unlock()
	for _, ch := range peers {
		_ = ch.Close()
	}
	return nil
}

// dataChannel adapts a pion data channel to the mesh Channel seam.
type dataChannel struct {
	dc *webrtc.DataChannel
}

// WrapDataChannel adapts a negotiated WebRTC data channel for AddPeer.
func WrapDataChannel(dc *webrtc.DataChannel) Channel {
	return &dataChannel{dc: dc}
}

// Open reports whether the underlying channel is open.
func (c *dataChannel) Open() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send transmits one frame as text.
func (c *dataChannel) Send(data []byte) error {
	return c.dc.SendText(string(data))
}

// OnMessage installs the inbound callback.
func (c *dataChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// Close closes the underlying channel.
func (c *dataChannel) Close() error {
	return c.dc.Close()
}
