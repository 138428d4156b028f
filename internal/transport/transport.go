// Package transport delivers signaling messages between room participants
// under interchangeable delivery strategies.
package transport

import (
	"errors"
	"sync"

	"github.com/peerwave/peerwave/internal/signal"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// seenWindow bounds how many sequence IDs a transport remembers for dedup.
const seenWindow = 512

// Handler consumes inbound signaling messages. It is invoked at most once
// per distinct sequence ID, regardless of how many delivery paths carried
// the message.
type Handler func(msg signal.Message)

// Transport is the uniform contract the negotiation engine depends on.
// Publish is best-effort and never blocks; fan-out failures toward one
// destination never affect the others. No ordering is guaranteed across
// senders or strategies.
type Transport interface {
	// Join registers local presence and makes a join message observable
	// to the room within the backend's characteristic delay.
	Join(roomID, participantID string) error
	// Leave deregisters, emits a leave message, and releases
	// backend-specific resources for the room.
	Leave(roomID, participantID string) error
	// Publish sends the message to all other current room members.
	Publish(msg signal.Message) error
	// Subscribe registers the inbound handler. Must be called before Join.
	Subscribe(h Handler)
	// Close releases all resources.
	Close() error
}

// deliverer filters inbound traffic: own messages are skipped and repeated
// sequence IDs are suppressed inside a bounded window. Shared by every
// transport variant so overlapping delivery paths (push plus poll) stay
// exactly-once for the subscriber.
type deliverer struct {
	mu      sync.Mutex
	handler Handler
	self    string
	seen    map[string]struct{}
	order   []string
}

// subscribe installs the handler.
func (d *deliverer) subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// setSelf records the local participant so its own traffic is filtered.
func (d *deliverer) setSelf(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = id
}

// deliver hands the message to the handler unless it is local or a
// duplicate. The handler runs without the lock held.
func (d *deliverer) deliver(msg signal.Message) {
	d.mu.Lock()
	if d.handler == nil || msg.SenderID == d.self || msg.SequenceID == "" {
		d.mu.Unlock()
		return
	}
	if _, dup := d.seen[msg.SequenceID]; dup {
		d.mu.Unlock()
		return
	}
	if d.seen == nil {
		d.seen = make(map[string]struct{})
	}
	d.seen[msg.SequenceID] = struct{}{}
	d.order = append(d.order, msg.SequenceID)
	if len(d.order) > seenWindow {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	handler := d.handler
	d.mu.Unlock()
	handler(msg)
}
