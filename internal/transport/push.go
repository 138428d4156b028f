package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
)

const (
	// reconnectBase is the first reconnect delay after a drop.
	reconnectBase = 500 * time.Millisecond
	// reconnectCap bounds the exponential reconnect backoff.
	reconnectCap = 15 * time.Second
	// sendBuffer is the outbound queue depth; Publish never blocks on it.
	sendBuffer = 64
)

// Push is the socket-push delivery strategy: a persistent websocket to the
// relay with bounded exponential reconnect backoff. It composes with a
// poll-style fallback transport; publishes travel both paths and the
// shared dedup window keeps delivery exactly-once, so a dropped socket
// loses nothing beyond poll-interval latency.
type Push struct {
	deliverer
	baseURL  string
	dialer   *websocket.Dialer
	fallback Transport

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan []byte
	stop    chan struct{}
	closed  bool
	roomID  string
	localID string

	// writeMu serializes frame writes; gorilla permits one writer per
	// connection and Leave writes outside the write loop.
	writeMu sync.Mutex

	log zerolog.Logger
}

// NewPush creates a push transport against the relay base URL
// (ws://host:port). The fallback transport may be nil, in which case a
// relay outage stalls delivery until reconnect.
func NewPush(baseURL string, fallback Transport, logger zerolog.Logger) *Push {
	return &Push{
		baseURL:  baseURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		fallback: fallback,
		send:     make(chan []byte, sendBuffer),
		log:      logger.With().Str("component", "transport").Str("backend", "push").Logger(),
	}
}

// Subscribe installs the inbound handler.
func (p *Push) Subscribe(h Handler) { p.subscribe(h) }

// Join connects to the relay and announces presence on both legs: a join
// frame is queued for the socket and, when a fallback is configured, the
// fallback announces too. The fallback's medium may be local to this
// process, so the socket copy is what reaches remote peers; presence
// folding is idempotent, so peers reached by both copies are unaffected.
func (p *Push) Join(roomID, participantID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.roomID = roomID
	p.localID = participantID
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	p.setSelf(participantID)
	go p.manage(stop)

	p.enqueue(signal.New(signal.KindJoin, roomID, participantID))
	if p.fallback != nil {
		p.fallback.Subscribe(p.deliver)
		return p.fallback.Join(roomID, participantID)
	}
	return nil
}

// Leave announces departure on both legs and disconnects. The socket leg
// writes synchronously while the connection is still up; the teardown
// below would otherwise race a queued frame.
func (p *Push) Leave(roomID, participantID string) error {
	p.writeNow(signal.New(signal.KindLeave, roomID, participantID))
	var err error
	if p.fallback != nil {
		err = p.fallback.Leave(roomID, participantID)
	}
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

// Publish sends over the socket when connected and always through the
// fallback path. Either leg failing alone is not an error: the other leg
// still carries the message and the relay dedups the overlap.
func (p *Push) Publish(msg signal.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	p.enqueue(msg)
	if p.fallback != nil {
		if err := p.fallback.Publish(msg); err != nil {
			p.log.Warn().Err(err).Str("seq", msg.SequenceID).Msg("fallback publish failed")
		}
	}
	return nil
}

// Close tears down the socket and the fallback.
func (p *Push) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if p.fallback != nil {
		return p.fallback.Close()
	}
	return nil
}

// enqueue queues one frame for the socket without blocking. Frames queued
// while disconnected flush as soon as the next dial succeeds.
func (p *Push) enqueue(msg signal.Message) {
	data, err := msg.Encode()
	if err != nil {
		p.log.Warn().Err(err).Msg("undecodable outbound message")
		return
	}
	select {
	case p.send <- data:
	default:
		p.log.Warn().Str("seq", msg.SequenceID).Msg("send queue full, relying on fallback path")
	}
}

// writeNow sends one frame synchronously when connected, queueing it
// otherwise. Used for the departure frame, which cannot wait for the
// write loop.
func (p *Push) writeNow(msg signal.Message) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.enqueue(msg)
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.log.Warn().Err(err).Msg("relay write failed")
	}
}

// manage dials the relay and keeps the connection alive, backing off
// exponentially between attempts. While disconnected the fallback path is
// the only delivery route, which is exactly the degradation the contract
// allows.
func (p *Push) manage(stop chan struct{}) {
	backoff := reconnectBase
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := p.dialer.Dial(p.wsURL(), nil)
		if err != nil {
			p.log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay dial failed")
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}
		backoff = reconnectBase
		p.log.Info().Msg("relay connected")

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		writerDone := make(chan struct{})
		go p.writeLoop(conn, stop, writerDone)
		p.readLoop(conn)
		close(writerDone)

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close()

		select {
		case <-stop:
			return
		default:
			p.log.Warn().Msg("relay connection lost, reconnecting")
		}
	}
}

// readLoop decodes inbound frames until the connection breaks.
func (p *Push) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := signal.Decode(data)
		if err != nil {
			p.log.Warn().Err(err).Msg("undecodable relay frame")
			continue
		}
		p.deliver(msg)
	}
}

// writeLoop drains the send queue onto one connection. Gorilla permits a
// single concurrent writer, so each connection gets its own loop.
func (p *Push) writeLoop(conn *websocket.Conn, stop, done chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case data := <-p.send:
			p.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, data)
			p.writeMu.Unlock()
			if err != nil {
				p.log.Warn().Err(err).Msg("relay write failed")
				return
			}
		}
	}
}

// wsURL builds the room websocket endpoint.
func (p *Push) wsURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s/ws/%s?peer=%s", p.baseURL, p.roomID, p.localID)
}
