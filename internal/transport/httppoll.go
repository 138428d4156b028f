package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/store"
)

// DefaultHTTPPollInterval is the relay polling cadence. HTTP polling is
// slower than store polling because every cycle is a network round trip.
const DefaultHTTPPollInterval = 2 * time.Second

// HTTPPoll is the cross-device polling strategy: messages are posted to
// the relay's REST API and subscribers poll the room log. When the relay
// is unreachable, traffic degrades to a local store so in-process peers
// keep working and nothing published is dropped.
type HTTPPoll struct {
	deliverer
	baseURL  string
	client   *http.Client
	fallback *store.Store
	interval time.Duration

	mu     sync.Mutex
	roomID string
	stop   chan struct{}
	closed bool

	log zerolog.Logger
}

// NewHTTPPoll creates a relay-polling transport. The fallback store may be
// nil when no local degradation target exists.
func NewHTTPPoll(baseURL string, fallback *store.Store, interval time.Duration, logger zerolog.Logger) *HTTPPoll {
	if interval <= 0 {
		interval = DefaultHTTPPollInterval
	}
	return &HTTPPoll{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		fallback: fallback,
		interval: interval,
		log:      logger.With().Str("component", "transport").Str("backend", "httppoll").Logger(),
	}
}

// Subscribe installs the inbound handler.
func (p *HTTPPoll) Subscribe(h Handler) { p.subscribe(h) }

// Join announces presence and starts the poll loop.
func (p *HTTPPoll) Join(roomID, participantID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.stop != nil {
		close(p.stop)
	}
	p.roomID = roomID
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	p.setSelf(participantID)
	if err := p.Publish(signal.New(signal.KindJoin, roomID, participantID)); err != nil {
		return err
	}
	go p.loop(roomID, stop)
	return nil
}

// Leave announces departure and stops polling.
func (p *HTTPPoll) Leave(roomID, participantID string) error {
	err := p.Publish(signal.New(signal.KindLeave, roomID, participantID))
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
	return err
}

// Publish posts the message to the relay, degrading to the local store
// when the relay is unreachable. The failure is a warning, never an error
// back to the caller.
func (p *HTTPPoll) Publish(msg signal.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := p.post(msg); err != nil {
		p.log.Warn().Err(err).Msg("relay publish failed, degrading to local store")
		if p.fallback != nil {
			return p.fallback.Append(msg.RoomID, msg)
		}
	}
	return nil
}

// Close stops polling.
func (p *HTTPPoll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	return nil
}

// loop polls the relay room log until stopped.
func (p *HTTPPoll) loop(roomID string, stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			messages, err := p.fetch(roomID)
			if err != nil {
				p.log.Warn().Err(err).Msg("relay poll failed, reading local store")
				if p.fallback != nil {
					messages = p.fallback.Read(roomID)
				}
			}
			for _, msg := range messages {
				p.deliver(msg)
			}
		}
	}
}

// post sends one message to the relay.
func (p *HTTPPoll) post(msg signal.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	resp, err := p.client.Post(p.messagesURL(msg.RoomID), "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay returned %d", resp.StatusCode)
	}
	return nil
}

// fetch reads the room log from the relay.
func (p *HTTPPoll) fetch(roomID string) ([]signal.Message, error) {
	resp, err := p.client.Get(p.messagesURL(roomID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %d", resp.StatusCode)
	}
	var messages []signal.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// messagesURL builds the room log endpoint.
func (p *HTTPPoll) messagesURL(roomID string) string {
	return fmt.Sprintf("%s/api/rooms/%s/messages", p.baseURL, roomID)
}
