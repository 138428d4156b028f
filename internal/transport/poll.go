package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/store"
)

// DefaultPollInterval is the store polling cadence.
const DefaultPollInterval = time.Second

// Poll is the store-and-poll delivery strategy: published messages land in
// the message store and every subscriber polls for the suffix it has not
// seen yet, computed by sequence-ID set difference inside the deliverer.
type Poll struct {
	deliverer
	store    *store.Store
	interval time.Duration

	mu     sync.Mutex
	roomID string
	stop   chan struct{}
	closed bool

	log zerolog.Logger
}

// NewPoll creates a polling transport over the store. A non-positive
// interval uses DefaultPollInterval.
func NewPoll(st *store.Store, interval time.Duration, logger zerolog.Logger) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poll{
		store:    st,
		interval: interval,
		log:      logger.With().Str("component", "transport").Str("backend", "poll").Logger(),
	}
}

// Subscribe installs the inbound handler.
func (p *Poll) Subscribe(h Handler) { p.subscribe(h) }

// Join announces presence through the store and starts the poll loop.
func (p *Poll) Join(roomID, participantID string) error {
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

// Leave announces departure and stops the poll loop.
func (p *Poll) Leave(roomID, participantID string) error {
	err := p.Publish(signal.New(signal.KindLeave, roomID, participantID))
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
	return err
}

// Publish appends the message to the store for other pollers to find.
func (p *Poll) Publish(msg signal.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()
	return p.store.Append(msg.RoomID, msg)
}

// Close stops polling.
func (p *Poll) Close() error {
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

// loop polls the room log on the fixed interval until stopped.
func (p *Poll) loop(roomID string, stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, msg := range p.store.Read(roomID) {
				p.deliver(msg)
			}
		}
	}
}
